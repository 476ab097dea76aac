package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Transport moves events between the orchestrator and the message bus.
type Transport interface {
	// Listen returns a channel of normalized inbound events. The
	// channel closes when ctx is cancelled or the transport is closed.
	Listen(ctx context.Context) (<-chan Event, error)
	// Publish sends a payload on the given subject.
	Publish(ctx context.Context, subject string, payload any) error
	// Close releases transport resources.
	Close() error
}

// Publisher is the outbound half of a Transport.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// PublishedMessage records one outbound publish on a MemTransport.
type PublishedMessage struct {
	Subject string
	Data    []byte
}

// MemTransport is an in-process Transport. Published messages are
// normalized and looped back onto the listen channel, which lets the
// mock build system drive the scheduler without a broker. Tests inspect
// the publish log.
type MemTransport struct {
	mu        sync.Mutex
	ch        chan Event
	published []PublishedMessage
	closed    bool
	logger    *slog.Logger
}

// NewMemTransport creates an in-process transport with the given
// queue capacity.
func NewMemTransport(capacity int, logger *slog.Logger) *MemTransport {
	if capacity < 1 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemTransport{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

// Listen returns the loopback event channel.
func (t *MemTransport) Listen(ctx context.Context) (<-chan Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	return t.ch, nil
}

// Publish records the message and loops normalized events back to the
// listener.
func (t *MemTransport) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	t.published = append(t.published, PublishedMessage{Subject: subject, Data: data})
	t.mu.Unlock()

	ev, err := Normalize(subject, data)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	select {
	case t.ch <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Inject places an already-typed event on the listen channel.
func (t *MemTransport) Inject(ctx context.Context, ev Event) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	select {
	case t.ch <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Published returns a copy of the publish log.
func (t *MemTransport) Published() []PublishedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PublishedMessage, len(t.published))
	copy(out, t.published)
	return out
}

// PublishedOn returns the publish log filtered to one subject.
func (t *MemTransport) PublishedOn(subject string) []PublishedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PublishedMessage
	for _, m := range t.published {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// Close shuts down the loopback channel.
func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.ch)
	return nil
}
