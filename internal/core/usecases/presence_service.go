package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/core/ports"
	"github.com/samirrijal/pulsemap/internal/pkg/metrics"
)

// PresenceService persists presence state consumed from the durable event
// stream, and expires profiles that have gone quiet. It is the storage-side
// collaborator kept separate from the broker's local fan-out.
type PresenceService struct {
	profiles ports.ProfileRepository
	cache    ports.CacheService
}

// NewPresenceService creates a new PresenceService.
func NewPresenceService(profiles ports.ProfileRepository, cache ports.CacheService) *PresenceService {
	return &PresenceService{profiles: profiles, cache: cache}
}

// ProcessPresence stores one presence delta and records last-known state in
// the cache so reads can degrade gracefully when the live feed is down.
func (s *PresenceService) ProcessPresence(ctx context.Context, delta domain.PresenceDelta) error {
	at := delta.At
	if at.IsZero() {
		at = time.Now()
	}

	if err := s.profiles.SetOnline(ctx, delta.ProfileID, delta.Online, at); err != nil {
		return fmt.Errorf("persist presence: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(delta); err == nil {
			_ = s.cache.Set(ctx, "presence:last:"+delta.ProfileID, data, 86400)
		}
	}

	metrics.PresenceUpdates.Inc()
	return nil
}

// ProcessProfileChange refreshes the cached copy of a changed profile.
func (s *PresenceService) ProcessProfileChange(ctx context.Context, p domain.Profile) error {
	if s.cache == nil {
		return nil
	}
	data, err := json.Marshal(&p)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, "profiles:id:"+p.ID, data, 600)
}

// ExpireStale marks profiles offline whose last_seen is older than quietFor.
func (s *PresenceService) ExpireStale(ctx context.Context, quietFor time.Duration) (int64, error) {
	cutoff := time.Now().Add(-quietFor)
	n, err := s.profiles.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale presence: %w", err)
	}
	if n > 0 {
		metrics.PresenceExpired.Add(float64(n))
		slog.Info("expired stale presence", "count", n, "quiet_for", quietFor.String())
	}
	return n, nil
}
