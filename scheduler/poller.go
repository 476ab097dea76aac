package scheduler

import (
	"context"
	"time"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
	"github.com/modularity/mbs/monitor"
)

// StartPoller runs the reconciliation loop until the context ends. Each
// pass repairs what lost messages left behind: builder tasks that died
// without a state change event, and modules parked in WAIT whose
// trigger never arrived.
func (s *Scheduler) StartPoller(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.env.Config.Scheduler.PollingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pollOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// pollOnce runs one reconciliation pass and enqueues the synthesized
// events.
func (s *Scheduler) pollOnce(ctx context.Context) {
	monitor.PollerPasses.Inc()

	var synthesized []messaging.Event
	_, err := s.store.WithSession(ctx, func(sess *models.Session) error {
		events, err := s.failLostTasks(ctx, sess)
		if err != nil {
			return err
		}
		synthesized = append(synthesized, events...)

		events, err = s.nudgeWaitingModules(sess)
		if err != nil {
			return err
		}
		synthesized = append(synthesized, events...)

		if err := s.warnStuckModules(sess); err != nil {
			return err
		}
		return s.logStateSummary(sess)
	})
	if err != nil {
		s.logger.Error("Poller pass failed", "error", err)
		return
	}
	for _, ev := range synthesized {
		s.Enqueue(ctx, ev)
	}
}

// failLostTasks queries the build system for every in-flight component
// task and synthesizes the state change event a dead task should have
// produced.
func (s *Scheduler) failLostTasks(ctx context.Context, sess *models.Session) ([]messaging.Event, error) {
	comps, err := sess.BuildingComponents()
	if err != nil {
		return nil, err
	}

	var events []messaging.Event
	for _, cb := range comps {
		if cb.TaskID == 0 {
			continue
		}
		info, err := s.env.Builder.GetTaskInfo(ctx, cb.TaskID)
		if err != nil {
			s.logger.Warn("Could not query task state",
				"task_id", cb.TaskID, "package", cb.Package, "error", err)
			continue
		}
		// DELETED dispatches to a no-op, so synthesizing it would only
		// churn; COMPLETE and the dead states drive the batch forward.
		if !info.State.Terminal() || info.State == builder.TaskStateDeleted {
			continue
		}
		s.logger.Info("Recovering lost task state change",
			"task_id", cb.TaskID, "package", cb.Package, "state", info.State.String())
		ev := &messaging.ComponentStateChanged{
			MsgID:         messaging.NewMsgID(),
			TaskID:        cb.TaskID,
			State:         int(info.State),
			ModuleBuildID: cb.ModuleID,
		}
		if name, ver, rel, ok := messaging.SplitNVR(info.NVR); ok {
			ev.Name, ev.Version, ev.Release = name, ver, rel
		}
		events = append(events, ev)
	}
	return events, nil
}

// nudgeWaitingModules re-issues the WAIT state change for modules still
// parked there. The WAIT handler is idempotent, so a duplicate nudge is
// harmless.
func (s *Scheduler) nudgeWaitingModules(sess *models.Session) ([]messaging.Event, error) {
	mods, err := sess.ModulesByState(models.StateWait)
	if err != nil {
		return nil, err
	}

	var events []messaging.Event
	for _, mb := range mods {
		s.logger.Info("Nudging waiting module build", "nsvc", mb.NSVC(), "id", mb.ID)
		events = append(events, &messaging.ModuleStateChanged{
			MsgID:         messaging.NewMsgID(),
			ModuleBuildID: mb.ID,
			State:         int(models.StateWait),
		})
	}
	return events, nil
}

// warnStuckModules flags building modules with no activity past the
// configured threshold. Diagnosis is left to the operator.
func (s *Scheduler) warnStuckModules(sess *models.Session) error {
	mods, err := sess.ModulesByState(models.StateBuild)
	if err != nil {
		return err
	}
	threshold := s.env.Config.Scheduler.StuckThreshold
	for _, mb := range mods {
		if quiet := time.Since(mb.TimeModified); quiet > threshold {
			s.logger.Warn("Module build looks stuck",
				"nsvc", mb.NSVC(), "id", mb.ID, "batch", mb.Batch,
				"quiet_for", quiet.Round(time.Second))
		}
	}
	return nil
}

// logStateSummary logs and exports the module build population.
func (s *Scheduler) logStateSummary(sess *models.Session) error {
	counts, err := sess.StateCounts()
	if err != nil {
		return err
	}
	attrs := make([]any, 0, len(counts)*2)
	for st := models.StateInit; st <= models.StateReady; st++ {
		monitor.ModulesPerState.WithLabelValues(st.String()).Set(float64(counts[st]))
		if counts[st] > 0 {
			attrs = append(attrs, st.String(), counts[st])
		}
	}
	s.logger.Info("Module build states", attrs...)
	return nil
}
