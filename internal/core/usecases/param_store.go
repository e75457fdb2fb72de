package usecases

import (
	"sync"
	"time"

	"github.com/samirrijal/pulsemap/internal/core/domain"
)

// ParamPartial is a partial update to session parameters. Nil fields are
// left untouched.
type ParamPartial struct {
	RadiusMiles      *float64
	TravelMode       *bool
	OnlineOnly       *bool
	SeekingNowOnly   *bool
	HostFriendlyOnly *bool
	ClusterRadiusPx  *int
}

// ParamStore holds the viewer's live filter state and notifies subscribers
// on change.
//
// Radius mutations are debounced: a slider drag produces many intermediate
// values, and exactly one notification fires per quiet window, carrying the
// last value set. Travel-mode and category toggles are discrete actions and
// notify immediately. Cluster settings only affect rendering density and
// never trigger a notification.
type ParamStore struct {
	debounce time.Duration

	mu       sync.Mutex
	params   domain.SessionParams
	timer    *time.Timer
	timerGen uint64
	handlers map[int]func(domain.SessionParams)
	nextID   int
	closed   bool
}

// NewParamStore creates a store with the given initial parameters and radius
// debounce interval.
func NewParamStore(initial domain.SessionParams, debounce time.Duration) *ParamStore {
	return &ParamStore{
		debounce: debounce,
		params:   initial,
		handlers: make(map[int]func(domain.SessionParams)),
	}
}

// Snapshot returns the current parameters.
func (s *ParamStore) Snapshot() domain.SessionParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Set applies a partial update. Immediate toggles flush any pending debounced
// radius change along with them, so downstream sees one coherent state.
func (s *ParamStore) Set(p ParamPartial) {
	s.mu.Lock()

	immediate := false

	if p.TravelMode != nil && *p.TravelMode != s.params.TravelMode {
		// The stored radius is untouched: toggling travel mode off restores it.
		s.params.TravelMode = *p.TravelMode
		immediate = true
	}
	if p.OnlineOnly != nil && *p.OnlineOnly != s.params.OnlineOnly {
		s.params.OnlineOnly = *p.OnlineOnly
		immediate = true
	}
	if p.SeekingNowOnly != nil && *p.SeekingNowOnly != s.params.SeekingNowOnly {
		s.params.SeekingNowOnly = *p.SeekingNowOnly
		immediate = true
	}
	if p.HostFriendlyOnly != nil && *p.HostFriendlyOnly != s.params.HostFriendlyOnly {
		s.params.HostFriendlyOnly = *p.HostFriendlyOnly
		immediate = true
	}
	if p.ClusterRadiusPx != nil {
		s.params.ClusterRadiusPx = *p.ClusterRadiusPx
	}

	radiusChanged := false
	if p.RadiusMiles != nil {
		r := clampRadius(*p.RadiusMiles)
		if r != s.params.RadiusMiles {
			s.params.RadiusMiles = r
			radiusChanged = true
		}
	}

	if immediate {
		s.cancelTimerLocked()
		s.notifyLocked()
		return
	}

	if radiusChanged {
		s.cancelTimerLocked()
		gen := s.timerGen
		s.timer = time.AfterFunc(s.debounce, func() {
			s.mu.Lock()
			// A timer that fired while the window was being replaced loses
			// the Stop race; the generation check keeps it from notifying
			// on top of its replacement.
			if s.closed || gen != s.timerGen {
				s.mu.Unlock()
				return
			}
			s.timer = nil
			s.notifyLocked()
		})
	}
	s.mu.Unlock()
}

// OnChange registers a handler invoked with a snapshot after each effective
// change. Returns an unsubscribe capability.
func (s *ParamStore) OnChange(handler func(domain.SessionParams)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Close cancels any pending debounced notification.
func (s *ParamStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancelTimerLocked()
}

// cancelTimerLocked invalidates the pending window. Bumping the generation
// covers the timer that already fired and is waiting on the lock — Stop
// alone cannot reach it.
func (s *ParamStore) cancelTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// notifyLocked snapshots state and handlers, releases the lock, then invokes
// handlers. Handlers may call back into the store.
func (s *ParamStore) notifyLocked() {
	snap := s.params
	hs := make([]func(domain.SessionParams), 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h(snap)
	}
}

func clampRadius(r float64) float64 {
	if r < domain.MinRadiusMiles {
		return domain.MinRadiusMiles
	}
	if r > domain.MaxRadiusMiles {
		return domain.MaxRadiusMiles
	}
	return r
}
