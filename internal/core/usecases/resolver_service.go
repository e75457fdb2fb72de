package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/core/ports"
	"github.com/samirrijal/pulsemap/internal/pkg/geospatial"
	"github.com/samirrijal/pulsemap/internal/pkg/metrics"
)

const (
	defaultCandidateLimit = 500
	defaultPrimaryTimeout = 10 * time.Second

	// Fallback candidate sets carry presence flags, so they age out fast.
	candidateCacheTTLSeconds = 15
)

// ResolverService computes the set of profiles within range of a viewer.
//
// It prefers the primary path (the data layer filters and sorts by distance)
// and falls back to a bounded client-side computation when the primary path
// fails or times out. Both paths go through the same post-processing, so on
// identical underlying data they produce the same membership and ordering.
type ResolverService struct {
	profiles       ports.ProfileRepository
	cache          ports.CacheService
	primaryTimeout time.Duration
	candidateLimit int
}

// NewResolverService creates a new ResolverService. Zero timeout and limit
// select the defaults (10s, 500).
func NewResolverService(profiles ports.ProfileRepository, cache ports.CacheService, primaryTimeout time.Duration, candidateLimit int) *ResolverService {
	if primaryTimeout <= 0 {
		primaryTimeout = defaultPrimaryTimeout
	}
	if candidateLimit <= 0 {
		candidateLimit = defaultCandidateLimit
	}
	return &ResolverService{
		profiles:       profiles,
		cache:          cache,
		primaryTimeout: primaryTimeout,
		candidateLimit: candidateLimit,
	}
}

// Resolve returns the profiles within the viewer's effective radius, sorted
// ascending by distance with ties broken by id, the viewer's own profile
// flagged. A nil origin is a precondition violation (domain.ErrOriginUnknown).
// Zero matches is a valid, non-error result.
func (s *ResolverService) Resolve(ctx context.Context, viewer domain.ViewerContext) (*domain.ResolutionResult, error) {
	if viewer.Origin == nil {
		return nil, domain.ErrOriginUnknown
	}

	radius := viewer.Params.EffectiveRadius()

	start := time.Now()
	rows, primErr := s.resolvePrimary(ctx, viewer, radius)
	if primErr == nil {
		metrics.ResolutionsTotal.WithLabelValues(string(domain.SourcePrimary), "ok").Inc()
		metrics.ResolutionDuration.WithLabelValues(string(domain.SourcePrimary)).Observe(time.Since(start).Seconds())
		return s.finish(viewer, rows, domain.SourcePrimary), nil
	}

	// The primary error is never surfaced on its own; the fallback gets its
	// chance first.
	metrics.ResolutionsTotal.WithLabelValues(string(domain.SourcePrimary), "error").Inc()
	slog.Debug("primary resolution path failed, trying fallback",
		"viewer_id", viewer.ViewerID, "error", primErr)

	start = time.Now()
	rows, fbErr := s.resolveFallback(ctx, viewer, radius)
	if fbErr != nil {
		metrics.ResolutionsTotal.WithLabelValues(string(domain.SourceFallback), "error").Inc()
		return nil, fmt.Errorf("%w: primary: %v; fallback: %v", domain.ErrAllSourcesFailed, primErr, fbErr)
	}

	metrics.ResolutionsTotal.WithLabelValues(string(domain.SourceFallback), "ok").Inc()
	metrics.ResolutionDuration.WithLabelValues(string(domain.SourceFallback)).Observe(time.Since(start).Seconds())
	return s.finish(viewer, rows, domain.SourceFallback), nil
}

// resolvePrimary issues the server-side distance query under a bounded
// timeout, so a hung data layer still leaves the fallback a user-tolerable
// window.
func (s *ResolverService) resolvePrimary(ctx context.Context, viewer domain.ViewerContext, radius float64) ([]domain.NearbyProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.primaryTimeout)
	defer cancel()

	return s.profiles.FindNearby(ctx, domain.NearbyQuery{
		ViewerID:         viewer.ViewerID,
		Origin:           *viewer.Origin,
		RadiusMiles:      radius,
		OnlineOnly:       viewer.Params.OnlineOnly,
		SeekingNowOnly:   viewer.Params.SeekingNowOnly,
		HostFriendlyOnly: viewer.Params.HostFriendlyOnly,
		Limit:            s.candidateLimit,
	})
}

// resolveFallback fetches a bounded discoverable candidate set and performs
// the distance filter and sort locally.
func (s *ResolverService) resolveFallback(ctx context.Context, viewer domain.ViewerContext, radius float64) ([]domain.NearbyProfile, error) {
	candidates, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}

	origin := *viewer.Origin
	box := domain.Bounds{}
	bounded := radius < domain.UnboundedRadiusMiles
	if bounded {
		box.MinLat, box.MinLon, box.MaxLat, box.MaxLon = geospatial.BoundingBox(origin.Lat, origin.Lon, radius)
	}

	var out []domain.NearbyProfile
	for _, p := range candidates {
		if p.Location == nil {
			continue
		}
		if !viewer.Params.Matches(&p) {
			continue
		}
		// Cheap box prefilter before the exact great-circle check.
		if bounded && !box.Contains(*p.Location) {
			continue
		}
		d := geospatial.Haversine(origin.Lat, origin.Lon, p.Location.Lat, p.Location.Lon)
		if d > radius {
			continue
		}
		dist := d
		out = append(out, domain.NearbyProfile{Profile: p, Distance: &dist})
	}
	return out, nil
}

// candidates returns the bounded discoverable set, read through the cache.
func (s *ResolverService) candidates(ctx context.Context) ([]domain.Profile, error) {
	cacheKey := fmt.Sprintf("profiles:discoverable:%d", s.candidateLimit)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, cacheKey); err == nil {
			var cached []domain.Profile
			if err := json.Unmarshal(data, &cached); err == nil {
				metrics.CacheHits.WithLabelValues("candidates").Inc()
				return cached, nil
			}
		}
		metrics.CacheMisses.WithLabelValues("candidates").Inc()
	}

	candidates, err := s.profiles.ListDiscoverable(ctx, s.candidateLimit)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(candidates); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, candidateCacheTTLSeconds)
		}
	}
	return candidates, nil
}

// finish applies the shared post-processing: deterministic (distance, id)
// ordering, viewer flagging, and the nearby-others count. Running both paths
// through it is what keeps them behaviorally equivalent.
func (s *ResolverService) finish(viewer domain.ViewerContext, rows []domain.NearbyProfile, source domain.ResolveSource) *domain.ResolutionResult {
	count := 0
	for i := range rows {
		if rows[i].ID == viewer.ViewerID {
			zero := 0.0
			rows[i].IsViewer = true
			rows[i].Distance = &zero
			rows[i].DisplayName = "You"
		} else {
			count++
		}
	}

	sortNearby(rows)

	return &domain.ResolutionResult{
		Profiles:    rows,
		NearbyCount: count,
		Source:      source,
		ResolvedAt:  time.Now(),
	}
}
