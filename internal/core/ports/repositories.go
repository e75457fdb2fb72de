package ports

import (
	"context"
	"time"

	"github.com/samirrijal/pulsemap/internal/core/domain"
)

// ProfileRepository persists profiles.
type ProfileRepository interface {
	Upsert(ctx context.Context, p *domain.Profile) error
	GetByID(ctx context.Context, id string) (*domain.Profile, error)
	List(ctx context.Context, offset, limit int) ([]domain.Profile, int, error)

	// FindNearby is the primary resolution path: the data layer filters and
	// sorts by distance. Results come back sorted ascending by (distance, id)
	// and annotated with distance in statute miles.
	FindNearby(ctx context.Context, q domain.NearbyQuery) ([]domain.NearbyProfile, error)

	// ListDiscoverable is the fallback candidate fetch: a bounded, unfiltered
	// set of profiles with a non-null location and incognito off.
	ListDiscoverable(ctx context.Context, limit int) ([]domain.Profile, error)

	SetOnline(ctx context.Context, id string, online bool, at time.Time) error

	// MarkStaleOffline flips online off for profiles whose last_seen is older
	// than the cutoff. Returns the number of rows changed.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error)
}
