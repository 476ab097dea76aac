package handlers

import (
	"context"
	"fmt"
	"sort"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
)

// submitComponent sends one component build to the build system and
// records the result. A failed submission marks the component FAILED
// with the reason; the module fails at the next batch evaluation.
func submitComponent(ctx context.Context, env *Env, sess *models.Session, cb *models.ComponentBuild) error {
	res, err := env.Builder.Build(ctx, cb.Package, cb.SCMURL)
	if err != nil {
		cb.SetState(builder.TaskStateFailed)
		cb.StateReason = fmt.Sprintf("Failed to submit build: %v", err)
		return sess.SaveComponent(cb)
	}
	if res.TaskID == 0 {
		cb.SetState(builder.TaskStateFailed)
		cb.StateReason = res.Reason
		if cb.StateReason == "" {
			cb.StateReason = "Build submission returned no task"
		}
		return sess.SaveComponent(cb)
	}

	cb.TaskID = res.TaskID
	cb.SetState(builder.TaskStateBuilding)
	cb.StateReason = ""
	env.Logger.Info("Component build submitted",
		"package", cb.Package, "task_id", res.TaskID, "batch", cb.Batch)
	return sess.SaveComponent(cb)
}

// buildingCount returns how many component tasks are in flight across
// all modules. The concurrency ceiling is global.
func buildingCount(sess *models.Session) (int, error) {
	comps, err := sess.BuildingComponents()
	if err != nil {
		return 0, err
	}
	return len(comps), nil
}

// sortForSubmission orders components deterministically: declared
// batch, then package name.
func sortForSubmission(comps []*models.ComponentBuild) {
	sort.Slice(comps, func(i, j int) bool {
		if comps[i].Batch != comps[j].Batch {
			return comps[i].Batch < comps[j].Batch
		}
		return comps[i].Package < comps[j].Package
	})
}

// ContinueBatch submits more unbuilt components of the current batch,
// up to the global concurrency ceiling.
func ContinueBatch(ctx context.Context, env *Env, sess *models.Session, mb *models.ModuleBuild) error {
	unbuilt, err := sess.CurrentBatch(mb, models.Unsubmitted)
	if err != nil {
		return err
	}
	if len(unbuilt) == 0 {
		return nil
	}

	building, err := buildingCount(sess)
	if err != nil {
		return err
	}
	room := env.Config.Scheduler.MaxConcurrentComponentBuilds - building
	if room <= 0 {
		return nil
	}

	sortForSubmission(unbuilt)
	for _, cb := range unbuilt {
		if room <= 0 {
			break
		}
		if err := submitComponent(ctx, env, sess, cb); err != nil {
			return err
		}
		if cb.Building() {
			room--
		}
	}
	return nil
}

// StartNextBatch advances the module to its next batch, applies the
// rebuild strategy, and submits the batch's components up to the
// ceiling. Reused components complete immediately; a synthesized state
// change per reused component keeps the batch progressing when nothing
// was actually submitted.
func StartNextBatch(ctx context.Context, env *Env, sess *models.Session, mb *models.ModuleBuild) ([]messaging.Event, error) {
	lastBatch, err := sess.LastBatchID(mb)
	if err != nil {
		return nil, err
	}
	if mb.Batch >= lastBatch {
		return nil, nil
	}

	mb.Batch++
	if err := sess.SaveModule(mb); err != nil {
		return nil, err
	}
	env.Logger.Info("Starting next batch",
		"nsvc", mb.NSVC(), "batch", mb.Batch)

	events, err := applyReuse(ctx, env, sess, mb)
	if err != nil {
		return nil, err
	}
	if err := ContinueBatch(ctx, env, sess, mb); err != nil {
		return nil, err
	}
	return events, nil
}

// applyReuse marks components of the current batch as reused from the
// previous successful build of the same (name, stream), per the
// module's rebuild strategy.
func applyReuse(ctx context.Context, env *Env, sess *models.Session, mb *models.ModuleBuild) ([]messaging.Event, error) {
	if mb.RebuildStrategy == "all" {
		return nil, nil
	}

	prev, err := sess.LastBuildInStream(mb.Name, mb.Stream)
	if err != nil {
		return nil, err
	}
	if prev == nil || prev.ID == mb.ID {
		return nil, nil
	}

	changed, err := changedPackages(sess, mb, prev)
	if err != nil {
		return nil, err
	}

	// For changed-and-after, everything in or after the first changed
	// batch is rebuilt.
	rebuildFrom := 0
	if mb.RebuildStrategy == "changed-and-after" {
		all, err := sess.ComponentsOfModule(mb.ID)
		if err != nil {
			return nil, err
		}
		for _, cb := range all {
			if changed[cb.Package] && (rebuildFrom == 0 || cb.Batch < rebuildFrom) {
				rebuildFrom = cb.Batch
			}
		}
	}

	batch, err := sess.CurrentBatch(mb, models.Unsubmitted)
	if err != nil {
		return nil, err
	}

	var events []messaging.Event
	for _, cb := range batch {
		if changed[cb.Package] {
			continue
		}
		if mb.RebuildStrategy == "changed-and-after" && rebuildFrom != 0 && cb.Batch >= rebuildFrom {
			continue
		}
		prevComp, err := sess.FromComponentName(cb.Package, prev.ID)
		if err != nil {
			return nil, err
		}
		if prevComp == nil || !prevComp.Complete() {
			continue
		}

		cb.ReusedComponentID = &prevComp.ID
		cb.TaskID = prevComp.TaskID
		cb.NVR = prevComp.NVR
		cb.SetState(builder.TaskStateComplete)
		cb.StateReason = fmt.Sprintf("Reused component from module build %d", prev.ID)
		// The artifact is already in the tags.
		cb.Tagged = true
		cb.TaggedInFinal = !cb.BuildTimeOnly
		if err := sess.SaveComponent(cb); err != nil {
			return nil, err
		}
		env.Logger.Info("Reusing component",
			"package", cb.Package, "nvr", cb.NVR, "previous_module", prev.ID)

		events = append(events, &messaging.ComponentStateChanged{
			MsgID:         messaging.NewMsgID(),
			TaskID:        cb.TaskID,
			State:         int(builder.TaskStateComplete),
			ModuleBuildID: mb.ID,
		})
	}
	return events, nil
}

// changedPackages compares the pinned component refs of two builds and
// returns the packages whose ref changed or which are new.
func changedPackages(sess *models.Session, mb, prev *models.ModuleBuild) (map[string]bool, error) {
	cur, err := sess.ComponentsOfModule(mb.ID)
	if err != nil {
		return nil, err
	}
	old, err := sess.ComponentsOfModule(prev.ID)
	if err != nil {
		return nil, err
	}
	oldURLs := make(map[string]string, len(old))
	for _, cb := range old {
		oldURLs[cb.Package] = cb.SCMURL
	}

	changed := make(map[string]bool)
	for _, cb := range cur {
		if cb.Package == MacrosPackage {
			continue
		}
		if oldURL, ok := oldURLs[cb.Package]; !ok || oldURL != cb.SCMURL {
			changed[cb.Package] = true
		}
	}
	return changed, nil
}

// batchDrained reports whether the current batch has no component left
// unsubmitted or in flight.
func batchDrained(sess *models.Session, mb *models.ModuleBuild) (bool, error) {
	batch, err := sess.CurrentBatch(mb)
	if err != nil {
		return false, err
	}
	for _, cb := range batch {
		if cb.State == nil || cb.Building() {
			return false, nil
		}
	}
	return true, nil
}

// tagPending tags untagged successful components up to the current
// batch. Returns true when any tag request went out; the resulting tag
// change events continue the flow.
func tagPending(ctx context.Context, env *Env, sess *models.Session, mb *models.ModuleBuild) (bool, error) {
	comps, err := sess.UpToCurrentBatch(mb, models.TaskStateFilter(builder.TaskStateComplete))
	if err != nil {
		return false, err
	}

	var buildTagNVRs, destTagNVRs []string
	for _, cb := range comps {
		if cb.NVR == "" {
			continue
		}
		if !cb.Tagged {
			buildTagNVRs = append(buildTagNVRs, cb.NVR)
		}
		if !cb.BuildTimeOnly && !cb.TaggedInFinal {
			destTagNVRs = append(destTagNVRs, cb.NVR)
		}
	}

	if len(buildTagNVRs) > 0 {
		if err := env.Builder.TagArtifacts(ctx, mb.BuildTag(), buildTagNVRs, false); err != nil {
			return false, err
		}
	}
	if len(destTagNVRs) > 0 {
		if err := env.Builder.TagArtifacts(ctx, mb.KojiTag, destTagNVRs, true); err != nil {
			return false, err
		}
	}
	return len(buildTagNVRs)+len(destTagNVRs) > 0, nil
}

// maybeRegenRepo requests a repo regeneration once every successful
// component up to the current batch is tagged. On the final batch the
// regeneration is skipped and the event synthesized directly.
func maybeRegenRepo(ctx context.Context, env *Env, sess *models.Session, mb *models.ModuleBuild) ([]messaging.Event, error) {
	comps, err := sess.UpToCurrentBatch(mb, models.TaskStateFilter(builder.TaskStateComplete))
	if err != nil {
		return nil, err
	}
	for _, cb := range comps {
		if !cb.Tagged {
			return nil, nil
		}
		if !cb.BuildTimeOnly && !cb.TaggedInFinal {
			return nil, nil
		}
	}

	lastBatch, err := sess.LastBatchID(mb)
	if err != nil {
		return nil, err
	}
	if mb.Batch >= lastBatch {
		// Nothing left to build; skip the regeneration round trip.
		return []messaging.Event{&messaging.RepoRegenerated{
			MsgID: messaging.NewMsgID(),
			Tag:   mb.BuildTag(),
		}}, nil
	}

	if mb.NewRepoTaskID != 0 {
		// A regeneration is already in flight.
		return nil, nil
	}
	taskID, err := env.Builder.NewRepo(ctx, mb.BuildTag())
	if err != nil {
		return nil, sess.Transition(mb, models.StateFailed,
			fmt.Sprintf("Failed to request repo regeneration: %v", err))
	}
	mb.NewRepoTaskID = taskID
	return nil, sess.SaveModule(mb)
}
