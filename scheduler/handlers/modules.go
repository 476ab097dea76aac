package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
)

// MacrosPackage is the synthetic component occupying batch 1. Its SRPM
// carries the module's dist tag macros; every later component builds
// against it.
const MacrosPackage = "module-build-macros"

// ModuleWait prepares the buildroot and submits the macros component.
// Idempotent: each step is guarded by the state it leaves behind, so
// the poller may re-issue it after a crash or lost message.
func ModuleWait(ctx context.Context, env *Env, sess *models.Session, ev messaging.Event) ([]messaging.Event, error) {
	msc := ev.(*messaging.ModuleStateChanged)
	mb, err := sess.ModuleByID(msc.ModuleBuildID)
	if err != nil {
		return nil, err
	}
	if mb == nil || mb.State != models.StateWait {
		return nil, nil
	}

	// Resolve dependencies and the target tag with bounded retries.
	deps, tag, err := resolveWithRetry(ctx, env, sess, mb)
	if err != nil {
		env.Logger.Error("Giving up resolving module build",
			"nsvc", mb.NSVC(), "error", err)
		return nil, sess.Transition(mb, models.StateFailed,
			fmt.Sprintf("Failed to resolve dependencies: %v", err))
	}

	if mb.KojiTag == "" {
		mb.KojiTag = tag
		if err := sess.SaveModule(mb); err != nil {
			return nil, err
		}
	}

	buildTag := mb.BuildTag()
	if err := env.Builder.BuildrootConnect(ctx, buildTag, deps); err != nil {
		return nil, sess.Transition(mb, models.StateFailed,
			fmt.Sprintf("Failed to connect buildroot: %v", err))
	}
	if err := env.Builder.BuildrootAddRepos(ctx, buildTag, deps); err != nil {
		return nil, sess.Transition(mb, models.StateFailed,
			fmt.Sprintf("Failed to add buildroot repos: %v", err))
	}

	srpm, err := env.Builder.GetDisttagSRPM(ctx, mb.Disttag())
	if err != nil {
		return nil, sess.Transition(mb, models.StateFailed,
			fmt.Sprintf("Failed to create dist tag SRPM: %v", err))
	}

	macros, err := sess.FromComponentName(MacrosPackage, mb.ID)
	if err != nil {
		return nil, err
	}
	if macros == nil {
		macros = &models.ComponentBuild{
			ModuleID:      mb.ID,
			Package:       MacrosPackage,
			SCMURL:        srpm,
			Format:        "rpms",
			Batch:         1,
			BuildTimeOnly: true,
		}
		if err := sess.CreateComponent(macros); err != nil {
			return nil, err
		}
	}
	if macros.State == nil {
		if err := submitComponent(ctx, env, sess, macros); err != nil {
			return nil, err
		}
	}

	mb.Batch = 1
	if err := sess.SaveModule(mb); err != nil {
		return nil, err
	}

	env.Logger.Info("Module build entering build state",
		"nsvc", mb.NSVC(), "koji_tag", mb.KojiTag)
	return nil, sess.Transition(mb, models.StateBuild, "")
}

func resolveWithRetry(ctx context.Context, env *Env, sess *models.Session, mb *models.ModuleBuild) ([]builder.BuildrootDep, string, error) {
	retries := env.Config.Builds.ResolveRetries
	interval := env.Config.Builds.ResolveRetryInterval

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}

		deps, err := env.Resolver.GetModuleBuildDependencies(sess, mb, true)
		if err != nil {
			lastErr = err
			env.Logger.Warn("Resolver failed, retrying",
				"nsvc", mb.NSVC(), "attempt", attempt, "error", err)
			continue
		}
		tag, err := env.Resolver.GetModuleTag(sess, mb)
		if err != nil {
			lastErr = err
			env.Logger.Warn("Tag resolution failed, retrying",
				"nsvc", mb.NSVC(), "attempt", attempt, "error", err)
			continue
		}
		return deps, tag, nil
	}
	return nil, "", lastErr
}

// ModuleDone moves a finished build to READY. Kept as a distinct step
// so downstream consumers can observe "all components built" separately
// from "ready to compose".
func ModuleDone(ctx context.Context, env *Env, sess *models.Session, ev messaging.Event) ([]messaging.Event, error) {
	msc := ev.(*messaging.ModuleStateChanged)
	mb, err := sess.ModuleByID(msc.ModuleBuildID)
	if err != nil {
		return nil, err
	}
	if mb == nil || mb.State != models.StateDone {
		return nil, nil
	}
	env.Logger.Info("Module build ready", "nsvc", mb.NSVC())
	return nil, sess.Transition(mb, models.StateReady, "")
}

// ModuleFailed cancels the module's in-flight component tasks. The
// transition itself already happened (unrecoverable error or user
// cancellation); this handler only cleans up.
func ModuleFailed(ctx context.Context, env *Env, sess *models.Session, ev messaging.Event) ([]messaging.Event, error) {
	msc := ev.(*messaging.ModuleStateChanged)
	mb, err := sess.ModuleByID(msc.ModuleBuildID)
	if err != nil {
		return nil, err
	}
	if mb == nil {
		return nil, nil
	}
	if mb.State != models.StateFailed {
		// External cancellation request for a build the store still
		// considers live.
		if err := sess.Transition(mb, models.StateFailed, "Canceled"); err != nil {
			return nil, err
		}
	}

	comps, err := sess.ComponentsOfModule(mb.ID)
	if err != nil {
		return nil, err
	}
	for _, cb := range comps {
		if !cb.Building() || cb.TaskID == 0 {
			continue
		}
		env.Logger.Info("Canceling component task",
			"package", cb.Package, "task_id", cb.TaskID)
		if err := env.Builder.CancelBuild(ctx, cb.TaskID); err != nil {
			// Best effort.
			env.Logger.Warn("Failed to cancel component task",
				"package", cb.Package, "task_id", cb.TaskID, "error", err)
		}
	}
	return nil, nil
}
