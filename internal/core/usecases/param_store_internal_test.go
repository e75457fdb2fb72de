package usecases

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/samirrijal/pulsemap/internal/core/domain"
)

// A debounce timer can fire and then block on the store lock while the
// window is concurrently replaced or flushed; Stop cannot reach it anymore.
// Only the generation check keeps it from notifying on top of its
// replacement. This pins the fired-but-not-yet-run interleaving by holding
// the lock across the fire.
func TestParamStore_FiredTimerInvalidatedByCancel(t *testing.T) {
	s := NewParamStore(domain.DefaultSessionParams(), 10*time.Millisecond)

	var calls atomic.Int32
	s.OnChange(func(domain.SessionParams) { calls.Add(1) })

	r := 7.0
	s.Set(ParamPartial{RadiusMiles: &r})

	s.mu.Lock()
	time.Sleep(50 * time.Millisecond) // timer fires, callback parks on s.mu
	s.cancelTimerLocked()
	s.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("invalidated timer notified %d times, want 0", n)
	}
}

// The same interleaving with a replacement window: the stale timer must stay
// silent and the replacement must deliver exactly one notification with the
// final radius.
func TestParamStore_ReplacedWindowNotifiesOnce(t *testing.T) {
	s := NewParamStore(domain.DefaultSessionParams(), 10*time.Millisecond)

	var calls atomic.Int32
	var last atomic.Value
	s.OnChange(func(p domain.SessionParams) {
		calls.Add(1)
		last.Store(p.RadiusMiles)
	})

	r1 := 5.0
	s.Set(ParamPartial{RadiusMiles: &r1})

	s.mu.Lock()
	time.Sleep(50 * time.Millisecond) // first timer fires, parks on s.mu
	// Replace the window the way a racing Set would.
	s.cancelTimerLocked()
	s.params.RadiusMiles = 8.0
	gen := s.timerGen
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		if s.closed || gen != s.timerGen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.notifyLocked()
	})
	s.mu.Unlock()

	time.Sleep(80 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("got %d notifications, want exactly 1", n)
	}
	if got := last.Load().(float64); got != 8.0 {
		t.Errorf("notified radius = %v, want 8", got)
	}
}
