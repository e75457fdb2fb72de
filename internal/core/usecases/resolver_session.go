package usecases

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/core/ports"
	"github.com/samirrijal/pulsemap/internal/pkg/geospatial"
	"github.com/samirrijal/pulsemap/internal/pkg/metrics"
)

// SessionState is the per-resolution-cycle state.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionPending
	SessionResolving
	SessionApplied
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionResolving:
		return "resolving"
	case SessionApplied:
		return "applied"
	default:
		return "idle"
	}
}

// Resolver is the narrow resolution contract the session depends on.
type Resolver interface {
	Resolve(ctx context.Context, viewer domain.ViewerContext) (*domain.ResolutionResult, error)
}

// minErrorNoticeGap rate-limits failure notices: at most one per episode.
const minErrorNoticeGap = 30 * time.Second

// ResolverSession drives the resolution cycle for one connected viewer:
// parameter changes trigger (debounced) resolutions, results reconcile the
// marker set, and broker deltas patch the applied result in place.
//
// Resolutions may complete out of request order. Each request carries a
// monotonically increasing sequence number; a response is discarded whenever
// a newer request has already been issued, so a slow stale response can never
// overwrite a fresher one. On total resolution failure the previously applied
// result stays rendered.
type ResolverSession struct {
	viewerID string
	resolver Resolver
	markers  *MarkerManager
	params   *ParamStore
	broker   ports.Broker
	logger   *slog.Logger

	issuedSeq atomic.Uint64
	state     atomic.Int32

	mu            sync.Mutex
	origin        *domain.GeoPoint
	appliedSeq    uint64
	current       *domain.ResolutionResult
	lastErrNotice time.Time
	onApplied     func(*domain.ResolutionResult)
	onError       func(error)

	unsubs []func()
	closed bool
}

// NewResolverSession wires a session. broker may be nil (no live patching).
func NewResolverSession(viewerID string, resolver Resolver, markers *MarkerManager, params *ParamStore, broker ports.Broker) *ResolverSession {
	return &ResolverSession{
		viewerID: viewerID,
		resolver: resolver,
		markers:  markers,
		params:   params,
		broker:   broker,
		logger:   slog.Default().With("viewer_id", viewerID),
	}
}

// OnApplied registers a callback invoked after each applied result.
func (s *ResolverSession) OnApplied(fn func(*domain.ResolutionResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApplied = fn
}

// OnError registers a callback for user-visible failures. Invocations are
// rate-limited to one per failure episode.
func (s *ResolverSession) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Start subscribes the session to parameter changes and broker feeds.
func (s *ResolverSession) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubs = append(s.unsubs, s.params.OnChange(func(domain.SessionParams) {
		s.Refresh(ctx)
	}))

	if s.broker == nil {
		return
	}

	s.unsubs = append(s.unsubs,
		s.broker.On(domain.EventPresence, func(ev domain.Event) {
			if delta, ok := ev.Payload.(domain.PresenceDelta); ok {
				s.applyPresence(delta)
			}
		}),
		s.broker.On(domain.EventProfileInsert, func(ev domain.Event) {
			if ch, ok := ev.Payload.(domain.ProfileChange); ok {
				s.applyInsert(ctx, ch.Profile)
			}
		}),
		s.broker.On(domain.EventProfileUpdate, func(ev domain.Event) {
			if ch, ok := ev.Payload.(domain.ProfileChange); ok {
				s.applyUpdate(ch.Profile)
			}
		}),
	)
}

// SetOrigin records a location fix and triggers an immediate resolution.
func (s *ResolverSession) SetOrigin(ctx context.Context, at domain.GeoPoint) {
	s.mu.Lock()
	p := at
	s.origin = &p
	s.mu.Unlock()
	s.markers.Recenter(at)
	s.Refresh(ctx)
}

// Refresh issues a new resolution request. Returns the request's sequence
// number. The resolution runs asynchronously; its response is applied only
// if no newer request exists by the time it lands.
func (s *ResolverSession) Refresh(ctx context.Context) uint64 {
	seq := s.issuedSeq.Add(1)
	s.state.Store(int32(SessionResolving))

	viewer := s.viewerContext()

	go func() {
		res, err := s.resolver.Resolve(ctx, viewer)
		s.apply(seq, res, err)
	}()

	return seq
}

// State returns the session's cycle state.
func (s *ResolverSession) State() SessionState {
	return SessionState(s.state.Load())
}

// AppliedSeq returns the sequence number of the last applied result.
func (s *ResolverSession) AppliedSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appliedSeq
}

// Current returns the last applied result, or nil before the first one.
func (s *ResolverSession) Current() *domain.ResolutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close unsubscribes the session and releases its markers.
func (s *ResolverSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.params.Close()
	s.markers.Close()
	s.state.Store(int32(SessionIdle))
}

func (s *ResolverSession) viewerContext() domain.ViewerContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ViewerContext{
		ViewerID: s.viewerID,
		Origin:   s.origin,
		Params:   s.params.Snapshot(),
	}
}

// apply installs a resolution response, unless it is stale or the session is
// closed.
func (s *ResolverSession) apply(seq uint64, res *domain.ResolutionResult, err error) {
	if seq < s.issuedSeq.Load() {
		// A newer request was issued while this one was in flight.
		metrics.StaleResolutionsDropped.Inc()
		return
	}

	s.mu.Lock()
	if s.closed || seq <= s.appliedSeq {
		s.mu.Unlock()
		return
	}

	if err != nil {
		notify := s.onError
		shouldNotify := false
		if errors.Is(err, domain.ErrAllSourcesFailed) && time.Since(s.lastErrNotice) > minErrorNoticeGap {
			s.lastErrNotice = time.Now()
			shouldNotify = true
		}
		s.mu.Unlock()

		// The previous result stays rendered; transient failures retry on the
		// next trigger.
		s.logger.Warn("resolution failed, keeping previous result", "seq", seq, "error", err)
		s.state.Store(int32(SessionApplied))
		if shouldNotify && notify != nil {
			notify(err)
		}
		return
	}

	res.Seq = seq
	s.appliedSeq = seq
	s.current = res
	applied := s.onApplied
	s.mu.Unlock()

	s.markers.Reconcile(res.Profiles)
	s.state.Store(int32(SessionApplied))
	if applied != nil {
		applied(res)
	}
}

// applyPresence patches one profile's online flag in the applied result and
// its marker. Presence deltas for profiles outside the result set are
// ignored: being online says nothing about being in range.
func (s *ResolverSession) applyPresence(delta domain.PresenceDelta) {
	s.mu.Lock()
	if s.current != nil {
		for i := range s.current.Profiles {
			if s.current.Profiles[i].ID == delta.ProfileID {
				s.current.Profiles[i].Online = delta.Online
				break
			}
		}
	}
	s.mu.Unlock()

	s.markers.ApplyPresence(delta.ProfileID, delta.Online)
}

// applyInsert patches a newly inserted profile into the applied result if it
// is discoverable, passes the filters, and is within the effective radius.
// Cheaper than a full re-resolution for a single-row change.
func (s *ResolverSession) applyInsert(ctx context.Context, p domain.Profile) {
	if !p.Discoverable() {
		return
	}

	s.mu.Lock()
	if s.current == nil || s.origin == nil {
		s.mu.Unlock()
		return
	}
	params := s.params.Snapshot()
	if !params.Matches(&p) {
		s.mu.Unlock()
		return
	}

	d := geospatial.Haversine(s.origin.Lat, s.origin.Lon, p.Location.Lat, p.Location.Lon)
	if d > params.EffectiveRadius() {
		s.mu.Unlock()
		return
	}

	for i := range s.current.Profiles {
		if s.current.Profiles[i].ID == p.ID {
			// Already present; treat as an update.
			s.mu.Unlock()
			s.applyUpdate(p)
			return
		}
	}

	dist := d
	s.current.Profiles = append(s.current.Profiles, domain.NearbyProfile{Profile: p, Distance: &dist})
	sortNearby(s.current.Profiles)
	if p.ID != s.viewerID {
		s.current.NearbyCount++
	}
	snapshot := append([]domain.NearbyProfile(nil), s.current.Profiles...)
	s.mu.Unlock()

	s.markers.Reconcile(snapshot)
}

// applyUpdate patches attribute changes for a profile already in the applied
// result. Location changes fall back to a full refresh since they can move
// the profile out of range.
func (s *ResolverSession) applyUpdate(p domain.Profile) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}

	found := false
	for i := range s.current.Profiles {
		if s.current.Profiles[i].ID != p.ID {
			continue
		}
		found = true
		cur := &s.current.Profiles[i]
		if !cur.IsViewer {
			cur.DisplayName = p.DisplayName
		}
		cur.Bio = p.Bio
		cur.Online = p.Online
		cur.SeekingNow = p.SeekingNow
		cur.HostFriendly = p.HostFriendly
		cur.PhotoURLs = p.PhotoURLs
		break
	}
	if !found {
		s.mu.Unlock()
		return
	}
	snapshot := append([]domain.NearbyProfile(nil), s.current.Profiles...)
	s.mu.Unlock()

	s.markers.Reconcile(snapshot)
}

func sortNearby(rows []domain.NearbyProfile) {
	sort.SliceStable(rows, func(i, j int) bool {
		di, dj := 0.0, 0.0
		if rows[i].Distance != nil {
			di = *rows[i].Distance
		}
		if rows[j].Distance != nil {
			dj = *rows[j].Distance
		}
		if di != dj {
			return di < dj
		}
		return rows[i].ID < rows[j].ID
	})
}
