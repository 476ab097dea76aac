package scheduler

import (
	"fmt"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
	"github.com/modularity/mbs/scheduler/handlers"
)

// moduleHandlers routes a module state change by the state the event
// announces. Every state needs an entry, even if it is a no-op.
var moduleHandlers = map[models.ModuleState]handlers.Handler{
	models.StateInit:   handlers.NoOp,
	models.StateWait:   handlers.ModuleWait,
	models.StateBuild:  handlers.NoOp,
	models.StateDone:   handlers.ModuleDone,
	models.StateFailed: handlers.ModuleFailed,
	models.StateReady:  handlers.NoOp,
}

// componentHandlers routes a component task state change by the task
// state the event announces. DELETED announces garbage collection of
// an old task, not a build outcome; acting on it would clobber the
// recorded result.
var componentHandlers = map[builder.TaskState]handlers.Handler{
	builder.TaskStateBuilding: handlers.NoOp,
	builder.TaskStateComplete: handlers.ComponentComplete,
	builder.TaskStateDeleted:  handlers.NoOp,
	builder.TaskStateFailed:   handlers.ComponentComplete,
	builder.TaskStateCanceled: handlers.ComponentComplete,
}

// handlerFor resolves an event to its handler. Unroutable events are
// an error; the loop logs and drops them.
func handlerFor(ev messaging.Event) (handlers.Handler, error) {
	switch e := ev.(type) {
	case *messaging.ModuleStateChanged:
		h, ok := moduleHandlers[models.ModuleState(e.State)]
		if !ok {
			return nil, fmt.Errorf("no handler for module state %d", e.State)
		}
		return h, nil
	case *messaging.ComponentStateChanged:
		h, ok := componentHandlers[builder.TaskState(e.State)]
		if !ok {
			return nil, fmt.Errorf("no handler for task state %d", e.State)
		}
		return h, nil
	case *messaging.RepoRegenerated:
		return handlers.RepoRegenerated, nil
	case *messaging.TagChanged:
		return handlers.TagChanged, nil
	default:
		return nil, fmt.Errorf("no handler for event type %T", ev)
	}
}

// SanityCheck verifies at startup that the dispatch tables cover every
// module and task state. A missing entry would silently strand builds,
// so the daemon refuses to start instead.
func SanityCheck() error {
	for st := models.StateInit; st <= models.StateReady; st++ {
		if _, ok := moduleHandlers[st]; !ok {
			return fmt.Errorf("module state %s has no handler", st)
		}
	}
	for _, ts := range []builder.TaskState{
		builder.TaskStateBuilding,
		builder.TaskStateComplete,
		builder.TaskStateDeleted,
		builder.TaskStateFailed,
		builder.TaskStateCanceled,
	} {
		if _, ok := componentHandlers[ts]; !ok {
			return fmt.Errorf("task state %s has no handler", ts)
		}
	}
	return nil
}
