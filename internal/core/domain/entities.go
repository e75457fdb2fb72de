package domain

import (
	"time"
)

// UnboundedRadiusMiles is the effective radius used in travel mode. Larger
// than any great-circle distance on Earth, so every discoverable profile
// matches.
const UnboundedRadiusMiles = 25000.0

// Default and limit values for session parameters.
const (
	DefaultRadiusMiles = 10.0
	MinRadiusMiles     = 1.0
	MaxRadiusMiles     = 10.0
)

// Profile represents a discoverable user profile.
type Profile struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"display_name"`
	Bio          string     `json:"bio,omitempty"`
	Location     *GeoPoint  `json:"location,omitempty"` // nil = not discoverable
	Online       bool       `json:"online"`
	SeekingNow   bool       `json:"seeking_now"`
	HostFriendly bool       `json:"host_friendly"`
	Incognito    bool       `json:"incognito"`
	PhotoURLs    []string   `json:"photo_urls,omitempty"`
	LastSeen     time.Time  `json:"last_seen"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Discoverable reports whether the profile can appear in proximity results.
func (p *Profile) Discoverable() bool {
	return p.Location != nil && !p.Incognito
}

// PrimaryPhoto returns the first photo reference, or "" if none.
func (p *Profile) PrimaryPhoto() string {
	if len(p.PhotoURLs) == 0 {
		return ""
	}
	return p.PhotoURLs[0]
}

// NearbyProfile is a Profile annotated per resolution. Distance and IsViewer
// are derived from the viewer's current origin and are never persisted.
type NearbyProfile struct {
	Profile
	Distance *float64 `json:"distance,omitempty"` // statute miles
	IsViewer bool     `json:"is_viewer,omitempty"`
}

// SessionParams holds the viewer's live filter state.
type SessionParams struct {
	RadiusMiles      float64 `json:"radius_miles"`
	TravelMode       bool    `json:"travel_mode"`
	OnlineOnly       bool    `json:"online_only"`
	SeekingNowOnly   bool    `json:"seeking_now_only"`
	HostFriendlyOnly bool    `json:"host_friendly_only"`
	ClusterRadiusPx  int     `json:"cluster_radius_px"` // rendering density only
}

// DefaultSessionParams returns the initial filter state for a new session.
func DefaultSessionParams() SessionParams {
	return SessionParams{
		RadiusMiles:     DefaultRadiusMiles,
		ClusterRadiusPx: 50,
	}
}

// EffectiveRadius returns the radius used for resolution. Travel mode
// replaces the stored radius with an unbounded one; the stored value is
// preserved so switching travel mode off restores it.
func (p SessionParams) EffectiveRadius() float64 {
	if p.TravelMode {
		return UnboundedRadiusMiles
	}
	return p.RadiusMiles
}

// Matches reports whether a profile passes the category filters.
// Used by the fallback resolution path; the primary path applies the same
// predicates server-side.
func (p SessionParams) Matches(profile *Profile) bool {
	if p.OnlineOnly && !profile.Online {
		return false
	}
	if p.SeekingNowOnly && !profile.SeekingNow {
		return false
	}
	if p.HostFriendlyOnly && !profile.HostFriendly {
		return false
	}
	return true
}

// ViewerContext identifies the viewer and their position for one resolution.
type ViewerContext struct {
	ViewerID string        `json:"viewer_id"`
	Origin   *GeoPoint     `json:"origin,omitempty"` // nil before first location fix
	Params   SessionParams `json:"params"`
}

// NearbyQuery is the request shape for the primary nearby query.
type NearbyQuery struct {
	ViewerID         string
	Origin           GeoPoint
	RadiusMiles      float64
	OnlineOnly       bool
	SeekingNowOnly   bool
	HostFriendlyOnly bool
	Limit            int
}

// ResolutionResult is an ordered set of nearby profiles, sorted ascending by
// distance with ties broken by id. The viewer's own profile, if present, is
// flagged IsViewer and forced to distance 0.
type ResolutionResult struct {
	Seq         uint64          `json:"seq"`
	Profiles    []NearbyProfile `json:"profiles"`
	NearbyCount int             `json:"nearby_count"` // excludes the viewer
	Source      ResolveSource   `json:"source"`
	ResolvedAt  time.Time       `json:"resolved_at"`
}

// ResolveSource identifies which resolution path produced a result.
type ResolveSource string

const (
	SourcePrimary  ResolveSource = "primary"
	SourceFallback ResolveSource = "fallback"
)

// MarkerContent is the renderable payload of one marker. Comparable, so the
// marker manager can skip no-op updates.
type MarkerContent struct {
	Label         string `json:"label"`
	DistanceLabel string `json:"distance_label,omitempty"`
	Online        bool   `json:"online"`
	IsViewer      bool   `json:"is_viewer,omitempty"`
	PhotoURL      string `json:"photo_url,omitempty"`
}
