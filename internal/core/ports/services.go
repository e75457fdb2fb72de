package ports

import (
	"context"

	"github.com/samirrijal/pulsemap/internal/core/domain"
)

// Broker multiplexes realtime feeds over one transport connection and fans
// events out to local subscribers. One broker instance per process; it is
// constructed once at startup and passed by reference, never held as hidden
// global state.
type Broker interface {
	// Connect opens the transport. Idempotent: calling it while connected is
	// a no-op that returns nil.
	Connect(ctx context.Context, sessionID string) error

	// On registers a handler for an event kind and returns an unsubscribe
	// capability. Multiple handlers per kind fan out; a panicking handler
	// does not prevent delivery to the rest.
	On(kind domain.EventKind, handler func(domain.Event)) (unsubscribe func())

	// Broadcast sends an ephemeral message on the shared transport. Silently
	// dropped when not connected.
	Broadcast(kind domain.EventKind, payload any) error

	// Disconnect tears down the transport and clears all handler
	// registrations. The connection's lifetime is owned by the process, not
	// by any one subscriber.
	Disconnect()

	State() domain.BrokerState
}

// EventPublisher publishes durable domain events to the message broker.
// Kept separate from Broker delivery so persisting derived state never blocks
// local fan-out.
type EventPublisher interface {
	PublishPresence(ctx context.Context, delta domain.PresenceDelta) error
	PublishProfileChange(ctx context.Context, p *domain.Profile, inserted bool) error
}

// EventSubscriber consumes durable domain events (presenced daemon).
type EventSubscriber interface {
	SubscribePresence(ctx context.Context, handler func(ctx context.Context, delta domain.PresenceDelta) error) error
	SubscribeProfileChanges(ctx context.Context, handler func(ctx context.Context, p domain.Profile) error) error
}

// CacheService provides read-through caching.
type CacheService interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}

// MarkerHandle is an opaque visual handle allocated by a renderer.
type MarkerHandle any

// MarkerRenderer is the boundary to the map rendering surface. The marker
// manager owns handle lifecycles; the renderer owns everything visual.
type MarkerRenderer interface {
	CreateMarker(id string, at domain.GeoPoint, content domain.MarkerContent) (MarkerHandle, error)
	UpdateMarker(handle MarkerHandle, content domain.MarkerContent) error
	DestroyMarker(handle MarkerHandle) error
	FlyTo(at domain.GeoPoint) error
}
