package usecases_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/core/usecases"
)

// --- Controlled resolver ---

type resolveReply struct {
	res *domain.ResolutionResult
	err error
}

type resolveCall struct {
	viewer domain.ViewerContext
	reply  chan resolveReply
}

// blockingResolver parks every Resolve until the test answers it, which lets
// tests land responses out of request order.
type blockingResolver struct {
	calls chan *resolveCall
}

func newBlockingResolver() *blockingResolver {
	return &blockingResolver{calls: make(chan *resolveCall, 16)}
}

func (r *blockingResolver) Resolve(ctx context.Context, viewer domain.ViewerContext) (*domain.ResolutionResult, error) {
	c := &resolveCall{viewer: viewer, reply: make(chan resolveReply)}
	r.calls <- c
	rep := <-c.reply
	return rep.res, rep.err
}

func (r *blockingResolver) next(t *testing.T) *resolveCall {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a resolve call")
		return nil
	}
}

// countingResolver answers immediately and counts invocations.
type countingResolver struct {
	mu    sync.Mutex
	calls int
	fn    func(viewer domain.ViewerContext) (*domain.ResolutionResult, error)
}

func (r *countingResolver) Resolve(ctx context.Context, viewer domain.ViewerContext) (*domain.ResolutionResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.fn(viewer)
}

func (r *countingResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// --- In-process broker fake ---

type fakeBroker struct {
	mu       sync.Mutex
	state    domain.BrokerState
	nextID   int
	handlers map[domain.EventKind]map[int]func(domain.Event)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[domain.EventKind]map[int]func(domain.Event))}
}

func (b *fakeBroker) Connect(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = domain.BrokerConnected
	return nil
}

func (b *fakeBroker) On(kind domain.EventKind, handler func(domain.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]func(domain.Event))
	}
	id := b.nextID
	b.nextID++
	b.handlers[kind][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[kind], id)
	}
}

func (b *fakeBroker) Broadcast(kind domain.EventKind, payload any) error { return nil }

func (b *fakeBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = domain.BrokerDisconnected
	b.handlers = make(map[domain.EventKind]map[int]func(domain.Event))
}

func (b *fakeBroker) State() domain.BrokerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// emit delivers an event synchronously to all registered handlers.
func (b *fakeBroker) emit(kind domain.EventKind, payload any) {
	b.mu.Lock()
	hs := make([]func(domain.Event), 0, len(b.handlers[kind]))
	for _, h := range b.handlers[kind] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(domain.Event{Kind: kind, Payload: payload})
	}
}

func (b *fakeBroker) handlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.handlers {
		n += len(m)
	}
	return n
}

// --- Helpers ---

func resultWith(source domain.ResolveSource, ids ...string) *domain.ResolutionResult {
	res := &domain.ResolutionResult{Source: source, ResolvedAt: time.Now()}
	for i, id := range ids {
		d := float64(i) + 0.5
		res.Profiles = append(res.Profiles, domain.NearbyProfile{
			Profile: domain.Profile{
				ID:          id,
				DisplayName: "profile " + id,
				Location:    &domain.GeoPoint{Lat: 40, Lon: -73},
			},
			Distance: &d,
		})
		res.NearbyCount++
	}
	return res
}

func waitAppliedSeq(t *testing.T, s *usecases.ResolverSession, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.AppliedSeq() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("applied seq never reached %d (at %d)", want, s.AppliedSeq())
}

type sessionEnv struct {
	session  *usecases.ResolverSession
	markers  *usecases.MarkerManager
	params   *usecases.ParamStore
	broker   *fakeBroker
	renderer *fakeRenderer
}

func newSessionEnv(t *testing.T, resolver usecases.Resolver) *sessionEnv {
	t.Helper()
	renderer := newFakeRenderer()
	markers := usecases.NewMarkerManager(renderer)
	params := usecases.NewParamStore(domain.DefaultSessionParams(), time.Millisecond)
	broker := newFakeBroker()
	_ = broker.Connect(context.Background(), "viewer-1")

	s := usecases.NewResolverSession("viewer-1", resolver, markers, params, broker)
	s.Start(context.Background())
	t.Cleanup(s.Close)

	return &sessionEnv{session: s, markers: markers, params: params, broker: broker, renderer: renderer}
}

// --- Tests ---

func TestResolverSession_AppliesResult(t *testing.T) {
	resolver := &countingResolver{fn: func(domain.ViewerContext) (*domain.ResolutionResult, error) {
		return resultWith(domain.SourcePrimary, "a", "b"), nil
	}}
	env := newSessionEnv(t, resolver)

	applied := make(chan *domain.ResolutionResult, 4)
	env.session.OnApplied(func(r *domain.ResolutionResult) { applied <- r })

	env.session.SetOrigin(context.Background(), domain.GeoPoint{Lat: 40, Lon: -73})

	select {
	case res := <-applied:
		if res.Seq != 1 {
			t.Errorf("seq = %d, want 1", res.Seq)
		}
		if len(res.Profiles) != 2 {
			t.Errorf("profiles = %d, want 2", len(res.Profiles))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result never applied")
	}

	if env.markers.Count() != 2 {
		t.Errorf("markers = %d, want 2", env.markers.Count())
	}
	if got := env.session.State(); got != usecases.SessionApplied {
		t.Errorf("state = %v, want applied", got)
	}
}

func TestResolverSession_StaleResponseDiscarded(t *testing.T) {
	resolver := newBlockingResolver()
	env := newSessionEnv(t, resolver)

	env.session.SetOrigin(context.Background(), domain.GeoPoint{Lat: 40, Lon: -73})
	first := resolver.next(t)

	seq2 := env.session.Refresh(context.Background())
	second := resolver.next(t)

	// The newer request completes first.
	second.reply <- resolveReply{res: resultWith(domain.SourcePrimary, "fresh")}
	waitAppliedSeq(t, env.session, seq2)

	// The older request lands late: it must be discarded, not applied.
	first.reply <- resolveReply{res: resultWith(domain.SourcePrimary, "stale-a", "stale-b")}
	time.Sleep(50 * time.Millisecond)

	cur := env.session.Current()
	if cur == nil || cur.Seq != seq2 {
		t.Fatalf("current seq = %v, want %d", cur, seq2)
	}
	if len(cur.Profiles) != 1 || cur.Profiles[0].ID != "fresh" {
		t.Fatalf("stale response overwrote the fresh one: %+v", cur.Profiles)
	}
	if env.markers.Rendered("stale-a") {
		t.Error("stale response reached the marker layer")
	}
}

func TestResolverSession_FailureKeepsPreviousResult(t *testing.T) {
	resolver := newBlockingResolver()
	env := newSessionEnv(t, resolver)

	var notices []error
	var noticeMu sync.Mutex
	env.session.OnError(func(err error) {
		noticeMu.Lock()
		notices = append(notices, err)
		noticeMu.Unlock()
	})

	env.session.SetOrigin(context.Background(), domain.GeoPoint{Lat: 40, Lon: -73})
	resolver.next(t).reply <- resolveReply{res: resultWith(domain.SourcePrimary, "a")}
	waitAppliedSeq(t, env.session, 1)

	env.session.Refresh(context.Background())
	resolver.next(t).reply <- resolveReply{err: fmt.Errorf("%w: both down", domain.ErrAllSourcesFailed)}
	time.Sleep(50 * time.Millisecond)

	cur := env.session.Current()
	if cur == nil || len(cur.Profiles) != 1 || cur.Profiles[0].ID != "a" {
		t.Fatalf("previous result not retained: %+v", cur)
	}
	if !env.markers.Rendered("a") {
		t.Error("markers cleared on resolution failure")
	}

	noticeMu.Lock()
	n := len(notices)
	noticeMu.Unlock()
	if n != 1 {
		t.Errorf("error notices = %d, want 1", n)
	}
}

func TestResolverSession_ErrorNoticeRateLimited(t *testing.T) {
	resolver := newBlockingResolver()
	env := newSessionEnv(t, resolver)

	var count int
	var mu sync.Mutex
	env.session.OnError(func(error) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	env.session.SetOrigin(context.Background(), domain.GeoPoint{Lat: 40, Lon: -73})
	for i := 0; i < 3; i++ {
		resolver.next(t).reply <- resolveReply{err: fmt.Errorf("%w: still down", domain.ErrAllSourcesFailed)}
		time.Sleep(10 * time.Millisecond)
		if i < 2 {
			env.session.Refresh(context.Background())
		}
	}

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Errorf("notices during one failure episode = %d, want 1", got)
	}
}

func TestResolverSession_ParamChangeTriggersResolve(t *testing.T) {
	resolver := &countingResolver{fn: func(domain.ViewerContext) (*domain.ResolutionResult, error) {
		return resultWith(domain.SourcePrimary), nil
	}}
	env := newSessionEnv(t, resolver)

	env.session.SetOrigin(context.Background(), domain.GeoPoint{Lat: 40, Lon: -73})
	waitAppliedSeq(t, env.session, 1)

	env.params.Set(usecases.ParamPartial{OnlineOnly: boolPtr(true)})
	waitAppliedSeq(t, env.session, 2)

	if resolver.count() != 2 {
		t.Errorf("resolver calls = %d, want 2", resolver.count())
	}
}

func TestResolverSession_PresencePatchWithoutResolve(t *testing.T) {
	resolver := &countingResolver{fn: func(domain.ViewerContext) (*domain.ResolutionResult, error) {
		return resultWith(domain.SourcePrimary, "a", "b"), nil
	}}
	env := newSessionEnv(t, resolver)

	env.session.SetOrigin(context.Background(), domain.GeoPoint{Lat: 40, Lon: -73})
	waitAppliedSeq(t, env.session, 1)
	before := resolver.count()

	env.broker.emit(domain.EventPresence, domain.PresenceDelta{ProfileID: "a", Online: true, At: time.Now()})

	if resolver.count() != before {
		t.Fatal("presence delta triggered a re-resolution")
	}
	cur := env.session.Current()
	var found bool
	for _, p := range cur.Profiles {
		if p.ID == "a" {
			found = true
			if !p.Online {
				t.Error("presence delta not applied to the current result")
			}
		}
	}
	if !found {
		t.Fatal("profile a missing from current result")
	}

	h, ok := env.renderer.handleFor("a")
	if !ok {
		t.Fatal("marker for a not rendered")
	}
	if !env.renderer.contents[h].Online {
		t.Error("presence delta not patched into the marker")
	}
}

func TestResolverSession_InsertEventPatchesInRange(t *testing.T) {
	resolver := &countingResolver{fn: func(domain.ViewerContext) (*domain.ResolutionResult, error) {
		return resultWith(domain.SourcePrimary, "a"), nil
	}}
	env := newSessionEnv(t, resolver)

	env.session.SetOrigin(context.Background(), domain.GeoPoint{Lat: 40, Lon: -73})
	waitAppliedSeq(t, env.session, 1)
	before := resolver.count()

	// In range: a few hundred feet from the origin.
	env.broker.emit(domain.EventProfileInsert, domain.ProfileChange{Profile: domain.Profile{
		ID:          "new",
		DisplayName: "newcomer",
		Location:    &domain.GeoPoint{Lat: 40.001, Lon: -73},
	}})

	if resolver.count() != before {
		t.Fatal("single-row insert triggered a full re-resolution")
	}
	cur := env.session.Current()
	if len(cur.Profiles) != 2 || cur.NearbyCount != 2 {
		t.Fatalf("insert not patched in: profiles=%d count=%d", len(cur.Profiles), cur.NearbyCount)
	}
	if !env.markers.Rendered("new") {
		t.Error("inserted profile has no marker")
	}

	// Out of range: the other side of the continent.
	env.broker.emit(domain.EventProfileInsert, domain.ProfileChange{Profile: domain.Profile{
		ID:       "remote",
		Location: &domain.GeoPoint{Lat: 34, Lon: -118},
	}})
	if env.markers.Rendered("remote") {
		t.Error("out-of-range insert rendered")
	}

	// Not discoverable: incognito.
	env.broker.emit(domain.EventProfileInsert, domain.ProfileChange{Profile: domain.Profile{
		ID:        "hidden",
		Incognito: true,
		Location:  &domain.GeoPoint{Lat: 40, Lon: -73},
	}})
	if env.markers.Rendered("hidden") {
		t.Error("incognito insert rendered")
	}
}

func TestResolverSession_UpdateEventPatchesAttributes(t *testing.T) {
	resolver := &countingResolver{fn: func(domain.ViewerContext) (*domain.ResolutionResult, error) {
		return resultWith(domain.SourcePrimary, "a"), nil
	}}
	env := newSessionEnv(t, resolver)

	env.session.SetOrigin(context.Background(), domain.GeoPoint{Lat: 40, Lon: -73})
	waitAppliedSeq(t, env.session, 1)

	env.broker.emit(domain.EventProfileUpdate, domain.ProfileChange{Profile: domain.Profile{
		ID:          "a",
		DisplayName: "renamed",
		SeekingNow:  true,
		Location:    &domain.GeoPoint{Lat: 40, Lon: -73},
	}})

	cur := env.session.Current()
	if cur.Profiles[0].DisplayName != "renamed" || !cur.Profiles[0].SeekingNow {
		t.Errorf("update not patched: %+v", cur.Profiles[0])
	}

	// Updates for profiles outside the result set are ignored.
	env.broker.emit(domain.EventProfileUpdate, domain.ProfileChange{Profile: domain.Profile{
		ID: "stranger", DisplayName: "nobody",
	}})
	if len(env.session.Current().Profiles) != 1 {
		t.Error("update for an absent profile grew the result set")
	}
}

func TestResolverSession_CloseUnsubscribes(t *testing.T) {
	resolver := &countingResolver{fn: func(domain.ViewerContext) (*domain.ResolutionResult, error) {
		return resultWith(domain.SourcePrimary, "a"), nil
	}}
	env := newSessionEnv(t, resolver)

	env.session.SetOrigin(context.Background(), domain.GeoPoint{Lat: 40, Lon: -73})
	waitAppliedSeq(t, env.session, 1)

	env.session.Close()

	if env.broker.handlerCount() != 0 {
		t.Errorf("%d broker handlers left after Close", env.broker.handlerCount())
	}
	if env.markers.Count() != 0 {
		t.Errorf("%d markers left after Close", env.markers.Count())
	}
	if env.session.State() != usecases.SessionIdle {
		t.Errorf("state = %v after Close, want idle", env.session.State())
	}
}

func TestResolverSession_RefreshWithoutOriginFails(t *testing.T) {
	resolver := &countingResolver{fn: func(viewer domain.ViewerContext) (*domain.ResolutionResult, error) {
		if viewer.Origin == nil {
			return nil, domain.ErrOriginUnknown
		}
		return resultWith(domain.SourcePrimary), nil
	}}
	env := newSessionEnv(t, resolver)

	env.session.Refresh(context.Background())
	time.Sleep(50 * time.Millisecond)

	if env.session.Current() != nil {
		t.Error("result applied without an origin")
	}
	if env.session.AppliedSeq() != 0 {
		t.Errorf("applied seq = %d, want 0", env.session.AppliedSeq())
	}
}
