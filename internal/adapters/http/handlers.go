package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/pkg/geospatial"
)

// NearbyProfileView is a NearbyProfile with preformatted display fields.
type NearbyProfileView struct {
	domain.NearbyProfile
	DistanceLabel *string `json:"distance_label,omitempty"`
	TravelTime    *string `json:"travel_time,omitempty"`
}

// NearbyResponse is the proximity resolution payload.
type NearbyResponse struct {
	Profiles    []NearbyProfileView `json:"profiles"`
	NearbyCount int                 `json:"nearby_count"`
	Source      string              `json:"source"`
	ResolvedAt  time.Time           `json:"resolved_at"`
}

// NearbyHandler resolves the profiles around a viewer position.
func NearbyHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		viewerID := c.Query("viewer_id")
		if viewerID == "" {
			return errBadRequest(c, "viewer_id is required")
		}

		lat := c.QueryFloat("lat", -1000)
		lon := c.QueryFloat("lon", -1000)
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return errBadRequest(c, "lat and lon are required and must be valid coordinates")
		}

		params := domain.DefaultSessionParams()
		params.RadiusMiles = c.QueryFloat("radius", domain.DefaultRadiusMiles)
		if params.RadiusMiles < domain.MinRadiusMiles || params.RadiusMiles > domain.MaxRadiusMiles {
			return errBadRequest(c, "radius must be between 1 and 10 miles")
		}
		params.TravelMode = c.QueryBool("travel_mode", false)
		params.OnlineOnly = c.QueryBool("online_only", false)
		params.SeekingNowOnly = c.QueryBool("seeking_now", false)
		params.HostFriendlyOnly = c.QueryBool("host_friendly", false)

		res, err := deps.Resolver.Resolve(c.Context(), domain.ViewerContext{
			ViewerID: viewerID,
			Origin:   &domain.GeoPoint{Lat: lat, Lon: lon},
			Params:   params,
		})
		if err != nil {
			if errors.Is(err, domain.ErrAllSourcesFailed) {
				return errUnavailable(c, "proximity resolution is temporarily unavailable")
			}
			return errInternal(c, err.Error())
		}

		views := make([]NearbyProfileView, 0, len(res.Profiles))
		for _, p := range res.Profiles {
			views = append(views, NearbyProfileView{
				NearbyProfile: p,
				DistanceLabel: geospatial.FormatDistance(p.Distance),
				TravelTime:    geospatial.EstimateTravelTime(p.Distance),
			})
		}

		return c.JSON(NearbyResponse{
			Profiles:    views,
			NearbyCount: res.NearbyCount,
			Source:      string(res.Source),
			ResolvedAt:  res.ResolvedAt,
		})
	}
}

// ListProfilesHandler returns a page of profiles.
func ListProfilesHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		offset := c.QueryInt("offset", 0)
		limit := c.QueryInt("limit", 100)
		if offset < 0 {
			offset = 0
		}
		if limit <= 0 || limit > 200 {
			limit = 100
		}

		profiles, total, err := deps.Profiles.List(c.Context(), offset, limit)
		if err != nil {
			return errInternal(c, err.Error())
		}

		pg := Pagination{Offset: offset, Limit: limit, Total: total}
		SetLinkHeaders(c, pg)
		return c.JSON(PaginatedResponse{Data: profiles, Pagination: pg})
	}
}

// GetProfileHandler returns a single profile by id.
func GetProfileHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if id == "" {
			return errBadRequest(c, "profile id is required")
		}
		profile, err := deps.Profiles.GetByID(c.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return errNotFound(c, "profile not found")
			}
			return errInternal(c, err.Error())
		}
		return c.JSON(profile)
	}
}

// PutProfileHandler creates or updates a profile.
func PutProfileHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if id == "" {
			return errBadRequest(c, "profile id is required")
		}

		var p domain.Profile
		if err := c.BodyParser(&p); err != nil {
			return errBadRequest(c, "invalid profile body: "+err.Error())
		}
		if p.ID == "" {
			p.ID = id
		}
		if p.ID != id {
			return errBadRequest(c, "body id does not match path id")
		}
		if p.Location != nil {
			if p.Location.Lat < -90 || p.Location.Lat > 90 || p.Location.Lon < -180 || p.Location.Lon > 180 {
				return errBadRequest(c, "location out of range")
			}
		}

		if err := deps.Profiles.Upsert(c.Context(), &p); err != nil {
			return errInternal(c, err.Error())
		}
		return c.Status(fiber.StatusOK).JSON(p)
	}
}

// presenceRequest is the POST /v1/presence body.
type presenceRequest struct {
	ProfileID string `json:"profile_id"`
	Online    bool   `json:"online"`
}

// PresenceHandler flips a profile's presence flag and publishes the delta.
func PresenceHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req presenceRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid presence body: "+err.Error())
		}
		if req.ProfileID == "" {
			return errBadRequest(c, "profile_id is required")
		}

		if err := deps.Profiles.SetPresence(c.Context(), req.ProfileID, req.Online); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return errNotFound(c, "profile not found")
			}
			return errInternal(c, err.Error())
		}
		return c.JSON(fiber.Map{
			"profile_id": req.ProfileID,
			"online":     req.Online,
		})
	}
}

// DirectoryStats holds row counts from the profile directory.
type DirectoryStats struct {
	Profiles     int    `json:"profiles"`
	Discoverable int    `json:"discoverable"`
	Online       int    `json:"online"`
	LastChange   string `json:"last_change,omitempty"`
}

// StatsHandler returns row counts from the profile tables.
func StatsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.DB == nil {
			return errInternal(c, "database not available")
		}

		var stats DirectoryStats
		row := deps.DB.Pool.QueryRow(c.Context(), `
			SELECT
				(SELECT count(*) FROM profiles),
				(SELECT count(*) FROM profiles WHERE location IS NOT NULL AND NOT incognito),
				(SELECT count(*) FROM profiles WHERE online),
				COALESCE((SELECT max(last_seen)::text FROM profiles), '')
		`)
		if err := row.Scan(&stats.Profiles, &stats.Discoverable, &stats.Online, &stats.LastChange); err != nil {
			return errInternal(c, err.Error())
		}

		c.Set("Cache-Control", "public, max-age=60")
		return c.JSON(stats)
	}
}
