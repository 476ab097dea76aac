package handlers

import (
	"context"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
)

// RepoRegenerated reacts to a regenerated buildroot: when the current
// batch is complete it starts the next one, and when nothing is left to
// build it moves the module to DONE.
func RepoRegenerated(ctx context.Context, env *Env, sess *models.Session, ev messaging.Event) ([]messaging.Event, error) {
	rr := ev.(*messaging.RepoRegenerated)

	mb, err := sess.FromTagEvent(rr.Tag)
	if err != nil {
		return nil, err
	}
	if mb == nil {
		env.Logger.Debug("Ignoring repo regeneration for unknown tag", "tag", rr.Tag)
		return nil, nil
	}

	// The regen this event answers is no longer in flight.
	if mb.NewRepoTaskID != 0 {
		mb.NewRepoTaskID = 0
		if err := sess.SaveModule(mb); err != nil {
			return nil, err
		}
	}

	// A regen can fire while the batch is still building (external
	// tag activity); only act on a drained batch.
	current, err := sess.CurrentBatch(mb)
	if err != nil {
		return nil, err
	}
	for _, cb := range current {
		if cb.State == nil || cb.Building() {
			return nil, nil
		}
		if cb.Dead() {
			return nil, nil
		}
	}

	lastBatch, err := sess.LastBatchID(mb)
	if err != nil {
		return nil, err
	}
	if mb.Batch < lastBatch {
		return StartNextBatch(ctx, env, sess, mb)
	}

	// Final batch done: every component must be COMPLETE.
	all, err := sess.ComponentsOfModule(mb.ID)
	if err != nil {
		return nil, err
	}
	for _, cb := range all {
		if !cb.InState(builder.TaskStateComplete) {
			env.Logger.Warn("Component not complete at final regen",
				"package", cb.Package, "state", cb.TaskStateName())
			return nil, nil
		}
	}

	env.Logger.Info("All components built", "nsvc", mb.NSVC())
	return nil, sess.Transition(mb, models.StateDone, "")
}
