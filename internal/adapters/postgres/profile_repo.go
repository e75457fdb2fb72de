package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/samirrijal/pulsemap/internal/core/domain"
)

// metersPerMile converts statute miles to the meters PostGIS geography
// functions operate in.
const metersPerMile = 1609.344

// ProfileRepo implements ports.ProfileRepository with pgx.
type ProfileRepo struct {
	db *DB
}

// NewProfileRepo creates a new ProfileRepo.
func NewProfileRepo(db *DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// Upsert inserts or updates a single profile. A nil Location is stored as
// NULL and keeps the profile out of proximity results.
func (r *ProfileRepo) Upsert(ctx context.Context, p *domain.Profile) error {
	var lon, lat *float64
	if p.Location != nil {
		lon, lat = &p.Location.Lon, &p.Location.Lat
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO profiles (id, display_name, bio, location, online, seeking_now, host_friendly, incognito, photo_urls, last_seen)
		VALUES ($1, $2, $3,
		        CASE WHEN $4::float8 IS NULL THEN NULL
		             ELSE ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography END,
		        $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, bio = EXCLUDED.bio,
		    location = EXCLUDED.location, online = EXCLUDED.online,
		    seeking_now = EXCLUDED.seeking_now, host_friendly = EXCLUDED.host_friendly,
		    incognito = EXCLUDED.incognito, photo_urls = EXCLUDED.photo_urls,
		    last_seen = now()
	`, p.ID, p.DisplayName, p.Bio, lon, lat,
		p.Online, p.SeekingNow, p.HostFriendly, p.Incognito, p.PhotoURLs)
	return err
}

// GetByID returns a profile by id.
func (r *ProfileRepo) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	p, err := scanProfile(r.db.Pool.QueryRow(ctx, `
		SELECT id, display_name, COALESCE(bio, ''),
		       ST_Y(location::geometry), ST_X(location::geometry),
		       online, seeking_now, host_friendly, incognito,
		       COALESCE(photo_urls, '{}'), last_seen, created_at
		FROM profiles WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

// List returns a page of profiles ordered by creation time, plus the total
// count for pagination.
func (r *ProfileRepo) List(ctx context.Context, offset, limit int) ([]domain.Profile, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM profiles`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, display_name, COALESCE(bio, ''),
		       ST_Y(location::geometry), ST_X(location::geometry),
		       online, seeking_now, host_friendly, incognito,
		       COALESCE(photo_urls, '{}'), last_seen, created_at
		FROM profiles
		ORDER BY created_at DESC, id
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	profiles, err := collectProfiles(rows)
	return profiles, total, err
}

// FindNearby returns discoverable profiles within the radius using PostGIS
// ST_DWithin, annotated with great-circle distance in miles and sorted
// ascending by (distance, id). ST_DWithin treats the boundary as inclusive.
func (r *ProfileRepo) FindNearby(ctx context.Context, q domain.NearbyQuery) ([]domain.NearbyProfile, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, display_name, COALESCE(bio, ''),
		       ST_Y(location::geometry), ST_X(location::geometry),
		       online, seeking_now, host_friendly, incognito,
		       COALESCE(photo_urls, '{}'), last_seen, created_at,
		       ST_Distance(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) / $3 as distance_miles
		FROM profiles
		WHERE location IS NOT NULL
		  AND NOT incognito
		  AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $4)
		  AND (online OR NOT $5)
		  AND (seeking_now OR NOT $6)
		  AND (host_friendly OR NOT $7)
		ORDER BY distance_miles, id
		LIMIT $8
	`, q.Origin.Lon, q.Origin.Lat, metersPerMile, q.RadiusMiles*metersPerMile,
		q.OnlineOnly, q.SeekingNowOnly, q.HostFriendlyOnly, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NearbyProfile
	for rows.Next() {
		var p domain.Profile
		var lat, lon *float64
		var dist float64
		if err := rows.Scan(
			&p.ID, &p.DisplayName, &p.Bio, &lat, &lon,
			&p.Online, &p.SeekingNow, &p.HostFriendly, &p.Incognito,
			&p.PhotoURLs, &p.LastSeen, &p.CreatedAt, &dist,
		); err != nil {
			return nil, err
		}
		if lat != nil && lon != nil {
			p.Location = &domain.GeoPoint{Lat: *lat, Lon: *lon}
		}
		out = append(out, domain.NearbyProfile{Profile: p, Distance: &dist})
	}
	return out, rows.Err()
}

// ListDiscoverable returns a bounded set of discoverable profiles for the
// fallback resolution path.
func (r *ProfileRepo) ListDiscoverable(ctx context.Context, limit int) ([]domain.Profile, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, display_name, COALESCE(bio, ''),
		       ST_Y(location::geometry), ST_X(location::geometry),
		       online, seeking_now, host_friendly, incognito,
		       COALESCE(photo_urls, '{}'), last_seen, created_at
		FROM profiles
		WHERE location IS NOT NULL AND NOT incognito
		ORDER BY last_seen DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectProfiles(rows)
}

// SetOnline flips a profile's presence flag and refreshes last_seen.
func (r *ProfileRepo) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE profiles SET online = $2, last_seen = $3 WHERE id = $1
	`, id, online, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkStaleOffline flips profiles that have been quiet since before cutoff
// to offline, returning the number affected.
func (r *ProfileRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE profiles SET online = false WHERE online AND last_seen < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*domain.Profile, error) {
	var p domain.Profile
	var lat, lon *float64
	if err := row.Scan(
		&p.ID, &p.DisplayName, &p.Bio, &lat, &lon,
		&p.Online, &p.SeekingNow, &p.HostFriendly, &p.Incognito,
		&p.PhotoURLs, &p.LastSeen, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		p.Location = &domain.GeoPoint{Lat: *lat, Lon: *lon}
	}
	return &p, nil
}

func collectProfiles(rows pgx.Rows) ([]domain.Profile, error) {
	var profiles []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}
