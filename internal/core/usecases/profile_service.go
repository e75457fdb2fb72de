package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/core/ports"
	"github.com/samirrijal/pulsemap/internal/pkg/metrics"
)

// ProfileService handles profile business logic.
type ProfileService struct {
	profiles  ports.ProfileRepository
	cache     ports.CacheService
	publisher ports.EventPublisher
}

// NewProfileService creates a new ProfileService. cache and publisher may be
// nil (degraded but functional).
func NewProfileService(profiles ports.ProfileRepository, cache ports.CacheService, publisher ports.EventPublisher) *ProfileService {
	return &ProfileService{profiles: profiles, cache: cache, publisher: publisher}
}

// GetByID returns a single profile.
func (s *ProfileService) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	if id == "" {
		return nil, fmt.Errorf("profile id must not be empty")
	}

	cacheKey := "profiles:id:" + id
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, cacheKey); err == nil {
			var p domain.Profile
			if err := json.Unmarshal(data, &p); err == nil {
				metrics.CacheHits.WithLabelValues("profile").Inc()
				return &p, nil
			}
		}
		metrics.CacheMisses.WithLabelValues("profile").Inc()
	}

	p, err := s.profiles.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(p); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, 600)
		}
	}

	return p, nil
}

// List returns a page of profiles with the total count.
func (s *ProfileService) List(ctx context.Context, offset, limit int) ([]domain.Profile, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.profiles.List(ctx, offset, limit)
}

// Upsert stores a profile, invalidates its cache entry, and publishes a
// profile-change event so live sessions can patch their result sets.
func (s *ProfileService) Upsert(ctx context.Context, p *domain.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("profile id must not be empty")
	}
	if p.DisplayName == "" {
		return fmt.Errorf("profile display_name must not be empty")
	}

	existing, err := s.profiles.GetByID(ctx, p.ID)
	inserted := err != nil || existing == nil

	if err := s.profiles.Upsert(ctx, p); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Delete(ctx, "profiles:id:"+p.ID)
	}

	// Delivery to sessions is best-effort; the row is already persisted.
	if s.publisher != nil {
		_ = s.publisher.PublishProfileChange(ctx, p, inserted)
	}

	return nil
}

// SetPresence flips a profile's online flag in storage and publishes a
// presence delta. Persisting and notifying are deliberately separate
// concerns: the broker fan-out never waits on the storage write.
func (s *ProfileService) SetPresence(ctx context.Context, id string, online bool) error {
	if id == "" {
		return fmt.Errorf("profile id must not be empty")
	}

	now := time.Now()
	if err := s.profiles.SetOnline(ctx, id, online, now); err != nil {
		return fmt.Errorf("set online: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Delete(ctx, "profiles:id:"+id)
	}

	if s.publisher != nil {
		_ = s.publisher.PublishPresence(ctx, domain.PresenceDelta{
			ProfileID: id,
			Online:    online,
			At:        now,
		})
	}

	metrics.PresenceUpdates.Inc()
	return nil
}
