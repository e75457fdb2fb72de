package usecases

import (
	"log/slog"
	"sync"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/core/ports"
	"github.com/samirrijal/pulsemap/internal/pkg/geospatial"
	"github.com/samirrijal/pulsemap/internal/pkg/metrics"
)

type markerRecord struct {
	handle  ports.MarkerHandle
	profile domain.NearbyProfile
	content domain.MarkerContent
}

// MarkerManager reconciles the rendered marker set against each new
// resolution result.
//
// Invariants: at most one live handle per profile id; every live handle's id
// is in the most recently reconciled set; a profile retained across
// reconciliations keeps its handle and is patched in place, never destroyed
// and recreated.
type MarkerManager struct {
	renderer ports.MarkerRenderer

	mu      sync.Mutex
	records map[string]*markerRecord
}

// NewMarkerManager creates a manager rendering through the given renderer.
func NewMarkerManager(renderer ports.MarkerRenderer) *MarkerManager {
	return &MarkerManager{
		renderer: renderer,
		records:  make(map[string]*markerRecord),
	}
}

// Recenter moves the viewport to a new origin. Rendering failures are not
// the session's problem; the marker set is unaffected either way.
func (m *MarkerManager) Recenter(at domain.GeoPoint) {
	if err := m.renderer.FlyTo(at); err != nil {
		slog.Warn("viewport recenter failed", "lat", at.Lat, "lon", at.Lon, "error", err)
	}
}

// Reconcile diffs the previous rendered set against next: destroys markers
// for ids that left, creates markers for ids that appeared, patches markers
// whose content changed. Profiles without a location are not renderable and
// are skipped. A renderer allocation failure skips that one profile and the
// reconciliation continues.
func (m *MarkerManager) Reconcile(next []domain.NearbyProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nextByID := make(map[string]domain.NearbyProfile, len(next))
	for _, p := range next {
		if p.Location == nil {
			continue
		}
		nextByID[p.ID] = p
	}

	for id, rec := range m.records {
		if _, keep := nextByID[id]; keep {
			continue
		}
		if err := m.renderer.DestroyMarker(rec.handle); err != nil {
			slog.Warn("destroy marker failed", "profile_id", id, "error", err)
		}
		delete(m.records, id)
		metrics.MarkerOps.WithLabelValues("destroy").Inc()
		metrics.ActiveMarkers.Dec()
	}

	for id, p := range nextByID {
		content := markerContent(p)

		if rec, ok := m.records[id]; ok {
			if rec.content == content {
				rec.profile = p
				continue
			}
			if err := m.renderer.UpdateMarker(rec.handle, content); err != nil {
				slog.Warn("update marker failed", "profile_id", id, "error", err)
				continue
			}
			rec.profile = p
			rec.content = content
			metrics.MarkerOps.WithLabelValues("update").Inc()
			continue
		}

		handle, err := m.renderer.CreateMarker(id, *p.Location, content)
		if err != nil {
			slog.Warn("create marker failed, skipping profile", "profile_id", id, "error", err)
			continue
		}
		m.records[id] = &markerRecord{handle: handle, profile: p, content: content}
		metrics.MarkerOps.WithLabelValues("create").Inc()
		metrics.ActiveMarkers.Inc()
	}
}

// ApplyPresence patches the online flag of one rendered marker. Returns
// false if the id is not currently rendered: a presence delta never implies
// the profile is in range, so no marker is created and no re-resolution is
// triggered here.
func (m *MarkerManager) ApplyPresence(id string, online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return false
	}
	if rec.profile.Online == online {
		return true
	}

	rec.profile.Online = online
	content := rec.content
	content.Online = online
	if err := m.renderer.UpdateMarker(rec.handle, content); err != nil {
		slog.Warn("presence marker patch failed", "profile_id", id, "error", err)
		return true
	}
	rec.content = content
	metrics.MarkerOps.WithLabelValues("update").Inc()
	return true
}

// Rendered reports whether a marker currently exists for the id.
func (m *MarkerManager) Rendered(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}

// Count returns the number of live markers.
func (m *MarkerManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Close destroys every live marker. Called when the owning session ends.
func (m *MarkerManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.records {
		if err := m.renderer.DestroyMarker(rec.handle); err != nil {
			slog.Warn("destroy marker failed", "profile_id", id, "error", err)
		}
		delete(m.records, id)
		metrics.MarkerOps.WithLabelValues("destroy").Inc()
		metrics.ActiveMarkers.Dec()
	}
}

func markerContent(p domain.NearbyProfile) domain.MarkerContent {
	label := ""
	if s := geospatial.FormatDistance(p.Distance); s != nil {
		label = *s
	}
	return domain.MarkerContent{
		Label:         p.DisplayName,
		DistanceLabel: label,
		Online:        p.Online,
		IsViewer:      p.IsViewer,
		PhotoURL:      p.PrimaryPhoto(),
	}
}
