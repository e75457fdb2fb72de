package natsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/pkg/metrics"
)

// Subjects for the multiplexed realtime feeds. One connection carries all of
// them; subscribers discriminate by event kind, not by connection.
const (
	subjectProfileInsert = "pulse.profile.insert"
	subjectProfileUpdate = "pulse.profile.update"
	subjectPresenceAll   = "pulse.presence.>"
	subjectPresence      = "pulse.presence."
	subjectTyping        = "pulse.typing."
)

// Broker implements ports.Broker over a single NATS connection.
//
// Connect is idempotent, reconnects are bounded, and handler fan-out
// isolates failures: one panicking handler never blocks delivery to the
// rest. Raw payloads are decoded into typed domain events here, at the
// boundary.
type Broker struct {
	url     string
	retries int

	state atomic.Int32

	mu            sync.Mutex
	conn          *nats.Conn
	subs          []*nats.Subscription
	handlers      map[domain.EventKind]map[int]func(domain.Event)
	nextID        int
	explicitClose bool
}

// NewBroker creates a broker for the given NATS URL. retries bounds
// transport-level reconnect attempts; after exhaustion an error event is
// emitted and the broker reports disconnected.
func NewBroker(url string, retries int) *Broker {
	return &Broker{
		url:      url,
		retries:  retries,
		handlers: make(map[domain.EventKind]map[int]func(domain.Event)),
	}
}

// Connect opens the transport and subscribes the multiplexed feeds.
// Calling it while connected is a no-op. sessionID scopes the ephemeral
// typing feed to this session.
func (b *Broker) Connect(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if domain.BrokerState(b.state.Load()) == domain.BrokerConnected {
		return nil
	}
	b.state.Store(int32(domain.BrokerConnecting))
	b.explicitClose = false

	conn, err := nats.Connect(b.url,
		nats.MaxReconnects(b.retries),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectHandler(func(*nats.Conn) {
			metrics.BrokerReconnects.Inc()
			b.state.Store(int32(domain.BrokerConnected))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.state.Store(int32(domain.BrokerConnecting))
			if err != nil {
				slog.Warn("broker transport disconnected", "error", err)
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.state.Store(int32(domain.BrokerDisconnected))
			b.mu.Lock()
			explicit := b.explicitClose
			b.mu.Unlock()
			if !explicit {
				// Retry budget exhausted; surface it as an event so sessions
				// can tell the user, then stop.
				b.emit(domain.EventError, domain.BrokerError{Message: "realtime connection lost"})
			}
		}),
	)
	if err != nil {
		b.state.Store(int32(domain.BrokerDisconnected))
		return fmt.Errorf("nats connect: %w", err)
	}

	feeds := []struct {
		subject string
		kind    domain.EventKind
		decode  func([]byte) (any, error)
	}{
		{subjectProfileInsert, domain.EventProfileInsert, decodeProfileChange},
		{subjectProfileUpdate, domain.EventProfileUpdate, decodeProfileChange},
		{subjectPresenceAll, domain.EventPresence, decodePresenceDelta},
		{subjectTyping + sessionID, domain.EventTyping, decodeTypingHint},
	}

	for _, f := range feeds {
		kind, decode := f.kind, f.decode
		sub, err := conn.Subscribe(f.subject, func(msg *nats.Msg) {
			payload, err := decode(msg.Data)
			if err != nil {
				slog.Warn("undecodable broker message dropped", "subject", msg.Subject, "error", err)
				return
			}
			b.emit(kind, payload)
		})
		if err != nil {
			conn.Close()
			b.state.Store(int32(domain.BrokerDisconnected))
			return fmt.Errorf("subscribe %s: %w", f.subject, err)
		}
		b.subs = append(b.subs, sub)
	}

	b.conn = conn
	b.state.Store(int32(domain.BrokerConnected))
	return nil
}

// On registers a handler for an event kind and returns an unsubscribe
// capability. Handlers for the same kind fan out independently.
func (b *Broker) On(kind domain.EventKind, handler func(domain.Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]func(domain.Event))
	}
	id := b.nextID
	b.nextID++
	b.handlers[kind][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[kind], id)
	}
}

// Broadcast publishes an ephemeral message on the shared transport. Silently
// dropped when not connected: ephemeral feeds have no delivery guarantee.
func (b *Broker) Broadcast(kind domain.EventKind, payload any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil || domain.BrokerState(b.state.Load()) != domain.BrokerConnected {
		return nil
	}

	subject, err := broadcastSubject(kind, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}

// Disconnect tears down the transport and clears all handler registrations.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	b.explicitClose = true
	subs := b.subs
	conn := b.conn
	b.subs = nil
	b.conn = nil
	b.handlers = make(map[domain.EventKind]map[int]func(domain.Event))
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if conn != nil {
		_ = conn.Drain()
	}
	b.state.Store(int32(domain.BrokerDisconnected))
}

// State returns the current connection state.
func (b *Broker) State() domain.BrokerState {
	return domain.BrokerState(b.state.Load())
}

// emit fans an event out to the handlers registered for its kind.
func (b *Broker) emit(kind domain.EventKind, payload any) {
	b.mu.Lock()
	hs := make([]func(domain.Event), 0, len(b.handlers[kind]))
	for _, h := range b.handlers[kind] {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	metrics.BrokerEvents.WithLabelValues(string(kind)).Inc()

	ev := domain.Event{Kind: kind, Payload: payload}
	for _, h := range hs {
		invoke(h, ev)
	}
}

// invoke runs one handler with panic isolation.
func invoke(h func(domain.Event), ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("broker handler panicked", "kind", string(ev.Kind), "panic", r)
		}
	}()
	h(ev)
}

func broadcastSubject(kind domain.EventKind, payload any) (string, error) {
	switch kind {
	case domain.EventTyping:
		hint, ok := payload.(domain.TypingHint)
		if !ok {
			return "", fmt.Errorf("typing broadcast needs a TypingHint payload")
		}
		return subjectTyping + hint.ToID, nil
	case domain.EventPresence:
		delta, ok := payload.(domain.PresenceDelta)
		if !ok {
			return "", fmt.Errorf("presence broadcast needs a PresenceDelta payload")
		}
		return subjectPresence + delta.ProfileID, nil
	default:
		return "", fmt.Errorf("kind %q is not broadcastable", kind)
	}
}

func decodeProfileChange(data []byte) (any, error) {
	var ch domain.ProfileChange
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func decodePresenceDelta(data []byte) (any, error) {
	var delta domain.PresenceDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, err
	}
	return delta, nil
}

func decodeTypingHint(data []byte) (any, error) {
	var hint domain.TypingHint
	if err := json.Unmarshal(data, &hint); err != nil {
		return nil, err
	}
	return hint, nil
}
