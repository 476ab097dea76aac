// Package handlers implements the per-state behavior of the scheduler:
// one procedure per (event kind, observed state) pair. Handlers are
// idempotent; re-running one against the same store state converges.
package handlers

import (
	"context"
	"log/slog"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/config"
	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
	"github.com/modularity/mbs/resolver"
)

// Env is the explicit context every handler receives. There are no
// ambient globals; everything a handler touches outside the session
// comes through here.
type Env struct {
	Config   *config.Config
	Builder  builder.Builder
	Resolver resolver.Resolver
	Logger   *slog.Logger
}

// Handler processes one event inside a store session and returns
// follow-up events to enqueue. An error rolls the session back.
type Handler func(ctx context.Context, env *Env, sess *models.Session, ev messaging.Event) ([]messaging.Event, error)

// NoOp is the handler for (event, state) pairs that require no action.
func NoOp(ctx context.Context, env *Env, sess *models.Session, ev messaging.Event) ([]messaging.Event, error) {
	return nil, nil
}
