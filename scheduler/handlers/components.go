package handlers

import (
	"context"
	"fmt"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
)

// ComponentComplete records a finished component task and evaluates the
// batch: a dead sibling fails the module, an exhausted batch gets its
// artifacts tagged, and a fully tagged batch triggers the repo
// regeneration that starts the next one.
func ComponentComplete(ctx context.Context, env *Env, sess *models.Session, ev messaging.Event) ([]messaging.Event, error) {
	csc := ev.(*messaging.ComponentStateChanged)

	cb, err := sess.FromComponentEvent(csc.TaskID, csc.ModuleBuildID)
	if err != nil {
		return nil, err
	}
	if cb == nil {
		// A task this orchestrator never submitted.
		env.Logger.Debug("Ignoring unknown component task", "task_id", csc.TaskID)
		return nil, nil
	}

	mb, err := sess.ModuleByID(cb.ModuleID)
	if err != nil {
		return nil, err
	}
	if mb == nil {
		return nil, nil
	}

	newState := builder.TaskState(csc.State)
	if cb.State == nil || builder.TaskState(*cb.State) != newState {
		cb.SetState(newState)
		if newState == builder.TaskStateComplete {
			if nvr := csc.NVR(); nvr != "" {
				cb.NVR = nvr
			}
			cb.StateReason = ""
		} else {
			cb.StateReason = fmt.Sprintf("Task %d finished as %s", cb.TaskID, newState)
		}
		if err := sess.SaveComponent(cb); err != nil {
			return nil, err
		}
	}

	if mb.State != models.StateBuild {
		// Late event for a failed or finished module; state recorded,
		// nothing to drive.
		return nil, nil
	}

	if newState.Dead() {
		env.Logger.Warn("Component build failed",
			"package", cb.Package, "task_id", cb.TaskID, "state", newState.String())
		return nil, sess.Transition(mb, models.StateFailed,
			fmt.Sprintf("Component %s failed (task %d is %s)", cb.Package, cb.TaskID, newState))
	}

	return evaluateBatch(ctx, env, sess, mb)
}

// evaluateBatch checks the module's current batch after a completion
// or tag change and drives the next step.
func evaluateBatch(ctx context.Context, env *Env, sess *models.Session, mb *models.ModuleBuild) ([]messaging.Event, error) {
	batch, err := sess.CurrentBatch(mb)
	if err != nil {
		return nil, err
	}

	var pending bool
	for _, sibling := range batch {
		switch {
		case sibling.Dead():
			return nil, sess.Transition(mb, models.StateFailed,
				fmt.Sprintf("Component %s failed (task %d is %s)",
					sibling.Package, sibling.TaskID, builder.TaskState(*sibling.State)))
		case sibling.Building(), sibling.State == nil:
			pending = true
		}
	}
	if pending {
		// Keep the pipeline full while the batch drains.
		return nil, ContinueBatch(ctx, env, sess, mb)
	}

	tagged, err := tagPending(ctx, env, sess, mb)
	if err != nil {
		return nil, err
	}
	if tagged {
		// Tag change events pick it up from here.
		return nil, nil
	}
	return maybeRegenRepo(ctx, env, sess, mb)
}
