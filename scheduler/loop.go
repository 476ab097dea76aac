// Package scheduler runs the message-driven build orchestration loop:
// a single worker drains a bounded queue of normalized events, runs the
// matching handler inside one database transaction per event, and
// republishes the state changes the handler staged.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
	"github.com/modularity/mbs/monitor"
	"github.com/modularity/mbs/scheduler/handlers"
)

// stopEvent is the queue sentinel that shuts the worker down after the
// events queued before it have drained.
type stopEvent struct{}

func (stopEvent) ID() string      { return "stop" }
func (stopEvent) Subject() string { return "internal.stop" }

// Scheduler owns the event queue, the dispatch worker, and the
// reconciliation poller.
type Scheduler struct {
	env       *handlers.Env
	store     *models.Store
	transport messaging.Transport
	logger    *slog.Logger

	queue chan messaging.Event
	wg    sync.WaitGroup

	stopOnce sync.Once
}

// New builds a Scheduler. SanityCheck runs here so that an incomplete
// dispatch table is caught before any event is consumed.
func New(env *handlers.Env, store *models.Store, transport messaging.Transport) (*Scheduler, error) {
	if err := SanityCheck(); err != nil {
		return nil, err
	}
	return &Scheduler{
		env:       env,
		store:     store,
		transport: transport,
		logger:    env.Logger,
		queue:     make(chan messaging.Event, env.Config.Scheduler.QueueSize),
	}, nil
}

// Start launches the ingest goroutine and the dispatch worker. The
// returned error only covers subscription setup; runtime failures are
// logged per event.
func (s *Scheduler) Start(ctx context.Context) error {
	inbound, err := s.transport.Listen(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to event bus: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ingest(ctx, inbound)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.work(ctx)
	}()

	s.logger.Info("Scheduler started",
		"queue_size", cap(s.queue),
		"max_concurrent_builds", s.env.Config.Scheduler.MaxConcurrentComponentBuilds)
	return nil
}

// Stop lets the queued events drain, then shuts the worker down.
// Cancel the context passed to Start first so the ingest side stops
// feeding the queue.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.queue <- stopEvent{}
	})
	s.wg.Wait()
}

// Enqueue places an event on the internal queue, dropping it if the
// context ends first.
func (s *Scheduler) Enqueue(ctx context.Context, ev messaging.Event) {
	select {
	case s.queue <- ev:
	case <-ctx.Done():
		s.logger.Warn("Dropping event on shutdown", "subject", ev.Subject(), "msg_id", ev.ID())
	}
}

// ingest moves bus events onto the bounded queue.
func (s *Scheduler) ingest(ctx context.Context, inbound <-chan messaging.Event) {
	for {
		select {
		case ev, ok := <-inbound:
			if !ok {
				return
			}
			monitor.MessagesReceived.Inc()
			s.Enqueue(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// work is the single dispatch worker. One event, one transaction: the
// handler's writes and traces commit together, and the staged module
// state changes go out only after the commit.
func (s *Scheduler) work(ctx context.Context) {
	for ev := range s.queue {
		if _, ok := ev.(stopEvent); ok {
			return
		}
		s.process(ctx, ev)
	}
}

func (s *Scheduler) process(ctx context.Context, ev messaging.Event) {
	h, err := handlerFor(ev)
	if err != nil {
		monitor.MessagesIgnored.Inc()
		s.logger.Warn("Dropping unroutable event",
			"subject", ev.Subject(), "msg_id", ev.ID(), "error", err)
		return
	}

	var followups []messaging.Event
	outbox, err := s.store.WithSession(ctx, func(sess *models.Session) error {
		var herr error
		followups, herr = h(ctx, s.env, sess, ev)
		return herr
	})
	if err != nil {
		monitor.MessagesFailed.Inc()
		s.logger.Error("Event handler failed; transaction rolled back",
			"subject", ev.Subject(), "msg_id", ev.ID(), "error", err)
		return
	}
	monitor.MessagesProcessed.Inc()

	// Staged state changes ride the bus so external consumers see them;
	// the transport feeds them back to our own queue.
	for _, out := range outbox {
		if msc, ok := out.(*messaging.ModuleStateChanged); ok {
			monitor.BuildsTransitioned.WithLabelValues(
				models.ModuleState(msc.State).String()).Inc()
		}
		if err := s.transport.Publish(ctx, out.Subject(), out); err != nil {
			s.logger.Error("Failed to publish state change",
				"subject", out.Subject(), "msg_id", out.ID(), "error", err)
			continue
		}
		monitor.MessagesPublished.Inc()
	}

	// Handler follow-ups are internal; they skip the bus.
	for _, f := range followups {
		s.Enqueue(ctx, f)
	}
}
