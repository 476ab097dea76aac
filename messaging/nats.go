package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSTransport is the JetStream-backed Transport used in production.
type NATSTransport struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer

	stream         string
	consumerName   string
	publishRetries int
	logger         *slog.Logger
}

// NATSOptions configure a NATSTransport.
type NATSOptions struct {
	URL            string
	Stream         string
	Consumer       string
	PublishRetries int
	Logger         *slog.Logger
}

// inboundSubjects are the subjects the event loop consumes.
var inboundSubjects = []string{
	SubjectBuildStateChange,
	SubjectRepoDone,
	SubjectTagChange,
	SubjectModuleStateChange,
}

// NewNATSTransport connects to NATS and ensures the stream and durable
// consumer exist.
func NewNATSTransport(ctx context.Context, opts NATSOptions) (*NATSTransport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PublishRetries < 1 {
		opts.PublishRetries = 3
	}

	nc, err := nats.Connect(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{"buildsys.>", "mbs.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", opts.Stream, err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Durable:        opts.Consumer,
		FilterSubjects: inboundSubjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        5 * time.Minute,
		MaxDeliver:     3,
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerConfig)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create consumer %s: %w", opts.Consumer, err)
	}

	return &NATSTransport{
		nc:             nc,
		js:             js,
		consumer:       consumer,
		stream:         opts.Stream,
		consumerName:   opts.Consumer,
		publishRetries: opts.PublishRetries,
		logger:         opts.Logger,
	}, nil
}

// Listen starts the consume loop and returns the event channel.
func (t *NATSTransport) Listen(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	go t.consumeLoop(ctx, ch)
	t.logger.Info("Listening for bus events",
		"stream", t.stream,
		"consumer", t.consumerName)
	return ch, nil
}

// consumeLoop continuously fetches messages from the durable consumer.
func (t *NATSTransport) consumeLoop(ctx context.Context, ch chan<- Event) {
	defer close(ch)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Fetch messages with a timeout
		msgs, err := t.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			t.handleMsg(ctx, msg, ch)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			t.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

func (t *NATSTransport) handleMsg(ctx context.Context, msg jetstream.Msg, ch chan<- Event) {
	ev, err := Normalize(msg.Subject(), msg.Data())
	if err != nil {
		t.logger.Warn("Failed to normalize message",
			"subject", msg.Subject(),
			"error", err)
		if err := msg.Nak(); err != nil {
			t.logger.Warn("Failed to nak message", "error", err)
		}
		return
	}
	if ev == nil {
		// Foreign or incomplete message, drop it.
		t.logger.Debug("Dropping unhandled message", "subject", msg.Subject())
		if err := msg.Ack(); err != nil {
			t.logger.Warn("Failed to ack message", "error", err)
		}
		return
	}

	select {
	case ch <- ev:
		if err := msg.Ack(); err != nil {
			t.logger.Warn("Failed to ack message", "error", err)
		}
	case <-ctx.Done():
		if err := msg.Nak(); err != nil {
			t.logger.Warn("Failed to nak message", "error", err)
		}
	}
}

// Publish sends a payload with bounded retry. Outbound publishes are
// best effort: the store, not the bus, is the source of truth.
func (t *NATSTransport) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}

	var lastErr error
	for attempt := 0; attempt < t.publishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, lastErr = t.js.Publish(ctx, subject, data); lastErr == nil {
			return nil
		}
		t.logger.Warn("Publish failed, retrying",
			"subject", subject,
			"attempt", attempt+1,
			"error", lastErr)
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", subject, t.publishRetries, lastErr)
}

// Close drains and closes the NATS connection.
func (t *NATSTransport) Close() error {
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}
