// Package submit implements the submission path: validating a
// manifest, expanding its streams, creating the build rows and
// recording component builds, plus cancellation and local build
// import.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/config"
	"github.com/modularity/mbs/expand"
	"github.com/modularity/mbs/manifest"
	"github.com/modularity/mbs/mbserr"
	"github.com/modularity/mbs/models"
	"github.com/modularity/mbs/resolver"
)

// Request carries one module build submission.
type Request struct {
	Manifest *manifest.Document
	Owner    string
	SCMURL   string
	// RebuildStrategy overrides the configured default when set.
	RebuildStrategy string
	// RaiseIfAmbiguous fails the submission when stream expansion
	// produces more than one variant.
	RaiseIfAmbiguous bool
	// DefaultStreams disambiguate stream sets per module name.
	DefaultStreams map[string]string
	// ModuleName replaces the manifest's module name, the way a build
	// request derived from an SCM repository overrides it. Gated by
	// builds.allow_name_override_from_scm.
	ModuleName string
	// ModuleStream replaces the manifest's stream. Gated by
	// builds.allow_stream_override_from_scm.
	ModuleStream string
}

// Submitter creates module builds from manifests.
type Submitter struct {
	cfg      *config.Config
	resolver resolver.Resolver
	builder  builder.Builder
	logger   *slog.Logger
}

// NewSubmitter creates a submission front end. The builder supplies
// build cost hints for new component rows.
func NewSubmitter(cfg *config.Config, res resolver.Resolver, b builder.Builder, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{cfg: cfg, resolver: res, builder: b, logger: logger}
}

// SubmitModuleBuild validates and expands the manifest and creates one
// module build per variant, transitioning each to WAIT. Resubmitting a
// failed build resets its incomplete components instead of creating a
// new row.
func (s *Submitter) SubmitModuleBuild(ctx context.Context, sess *models.Session, req Request) ([]*models.ModuleBuild, error) {
	doc := req.Manifest
	if doc == nil {
		return nil, mbserr.Validationf("no manifest supplied")
	}
	if err := s.applyOverrides(doc, req); err != nil {
		return nil, err
	}
	if err := doc.Validate(manifest.ValidateOptions{
		AllowCustomRepositories: s.cfg.Builds.AllowCustomRepositories,
	}); err != nil {
		return nil, mbserr.Validationf("manifest rejected: %v", err)
	}
	if s.cfg.Builds.CheckForEOL {
		if eol, ok := doc.EOL(); ok && !eol.After(time.Now().UTC()) {
			return nil, mbserr.Validationf("module stream %s:%s reached end of life on %s",
				doc.Data.Name, doc.Data.Stream, eol.Format("2006-01-02"))
		}
	}

	strategy := req.RebuildStrategy
	if strategy == "" {
		strategy = s.cfg.Builds.RebuildStrategy
	} else if !s.cfg.StrategyAllowed(strategy) {
		return nil, mbserr.Validationf("rebuild strategy %q is not allowed", strategy)
	}

	variants, err := expand.Expand(sess, s.resolver, doc, expand.Options{
		RaiseIfAmbiguous: req.RaiseIfAmbiguous,
		DefaultStreams:   req.DefaultStreams,
		BaseModuleNames:  s.cfg.Builds.BaseModuleNames,
	})
	if err != nil {
		return nil, err
	}

	version, err := s.moduleVersion(doc)
	if err != nil {
		return nil, err
	}

	var builds []*models.ModuleBuild
	for _, variant := range variants {
		mb, err := s.submitVariant(ctx, sess, req, variant, version, strategy)
		if err != nil {
			return nil, err
		}
		builds = append(builds, mb)
	}
	return builds, nil
}

// applyOverrides replaces the manifest's name and stream with the
// request's, when the configuration allows it.
func (s *Submitter) applyOverrides(doc *manifest.Document, req Request) error {
	if req.ModuleName != "" && req.ModuleName != doc.Data.Name {
		if !s.cfg.Builds.AllowNameOverrideFromSCM {
			return mbserr.Validationf("overriding the module name to %q is not allowed", req.ModuleName)
		}
		doc.Data.Name = req.ModuleName
	}
	if req.ModuleStream != "" && req.ModuleStream != doc.Data.Stream {
		if !s.cfg.Builds.AllowStreamOverrideFromSCM {
			return mbserr.Validationf("overriding the module stream to %q is not allowed", req.ModuleStream)
		}
		doc.Data.Stream = req.ModuleStream
	}
	return nil
}

// moduleVersion derives the unprefixed module version: the pinned
// commit timestamp when present, the submission time otherwise.
func (s *Submitter) moduleVersion(doc *manifest.Document) (int64, error) {
	if doc.Data.Pinned.CommitTime != 0 {
		return doc.Data.Pinned.CommitTime, nil
	}
	v, err := strconv.ParseInt(time.Now().UTC().Format("20060102150405"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("derive module version: %w", err)
	}
	return v, nil
}

// baseStream finds the stream of the base module among the pinned
// buildrequires.
func (s *Submitter) baseStream(variant *manifest.Document) string {
	for _, base := range s.cfg.Builds.BaseModuleNames {
		if p, ok := variant.Data.Pinned.BuildRequires[base]; ok {
			return p.Stream
		}
	}
	return ""
}

func (s *Submitter) submitVariant(ctx context.Context, sess *models.Session, req Request, variant *manifest.Document, version int64, strategy string) (*models.ModuleBuild, error) {
	prefixed := version
	if base := s.baseStream(variant); base != "" {
		var err error
		prefixed, err = expand.GetPrefixedVersion(base, version)
		if err != nil {
			return nil, mbserr.Validationf("%v", err)
		}
	}
	variant.Data.Version = prefixed

	existing, err := sess.GetBuildFromNSVC(variant.Data.Name, variant.Data.Stream, prefixed, variant.Data.Context)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.resubmit(sess, req, existing, strategy)
	}

	ctxs := expand.VariantContexts(variant)
	mmd, err := variant.Marshal()
	if err != nil {
		return nil, err
	}

	mb := &models.ModuleBuild{
		Name:            variant.Data.Name,
		Stream:          variant.Data.Stream,
		Version:         prefixed,
		Context:         variant.Data.Context,
		State:           models.StateInit,
		Modulemd:        string(mmd),
		SCMURL:          req.SCMURL,
		Owner:           req.Owner,
		RebuildStrategy: strategy,
		RefBuildContext: ctxs.RefBuildContext,
		BuildContext:    ctxs.BuildContext,
		RuntimeContext:  ctxs.RuntimeContext,
	}
	if err := sess.CreateModule(mb); err != nil {
		return nil, err
	}

	if err := s.RecordComponentBuilds(sess, variant, mb); err != nil {
		return nil, err
	}
	if err := ComponentWeights(ctx, sess, s.builder, mb); err != nil {
		return nil, err
	}

	s.logger.Info("Module build submitted",
		"nsvc", mb.NSVC(),
		"owner", req.Owner,
		"rebuild_strategy", strategy)

	if err := sess.Transition(mb, models.StateWait, fmt.Sprintf("Submitted by %s", req.Owner)); err != nil {
		return nil, err
	}
	return mb, nil
}

// resubmit reuses a failed build row: incomplete components are reset
// and the build re-enters WAIT. Non-failed builds conflict.
func (s *Submitter) resubmit(sess *models.Session, req Request, mb *models.ModuleBuild, strategy string) (*models.ModuleBuild, error) {
	if mb.State != models.StateFailed {
		return nil, mbserr.Conflictf("module build %s already exists in state %s", mb.NSVC(), mb.State)
	}
	if strategy != mb.RebuildStrategy {
		return nil, mbserr.Validationf(
			"rebuild strategy cannot change on resubmission (was %s, requested %s)",
			mb.RebuildStrategy, strategy)
	}

	prev, err := sess.PreviousNonFailedState(mb.ID)
	if err != nil {
		return nil, err
	}

	comps, err := sess.ComponentsOfModule(mb.ID)
	if err != nil {
		return nil, err
	}
	for _, cb := range comps {
		if cb.Complete() {
			continue
		}
		cb.State = nil
		cb.StateReason = ""
		cb.TaskID = 0
		cb.Tagged = false
		cb.TaggedInFinal = false
		if err := sess.SaveComponent(cb); err != nil {
			return nil, err
		}
	}

	mb.TimeCompleted = nil
	s.logger.Info("Module build resubmitted",
		"nsvc", mb.NSVC(),
		"previous_state", prev,
		"owner", req.Owner)

	// Builds that never reached BUILD restart from WAIT; builds that
	// did are driven again from WAIT too, the handler is idempotent.
	return mb, sess.Transition(mb, models.StateWait, fmt.Sprintf("Resubmitted by %s", req.Owner))
}

// CancelModuleBuild fails an in-flight build on user request. The
// FAILED handler cancels any running component tasks.
func CancelModuleBuild(sess *models.Session, mb *models.ModuleBuild, user string) error {
	if mb.State.Terminal() {
		return mbserr.Validationf("module build %s is already in state %s", mb.NSVC(), mb.State)
	}
	return sess.Transition(mb, models.StateFailed, fmt.Sprintf("Canceled by %s", user))
}

// ComponentWeights fills in build cost hints for a module's components.
func ComponentWeights(ctx context.Context, sess *models.Session, b builder.Builder, mb *models.ModuleBuild) error {
	comps, err := sess.ComponentsOfModule(mb.ID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(comps))
	for _, cb := range comps {
		names = append(names, cb.Package)
	}
	weights := b.GetBuildWeights(ctx, names)
	for _, cb := range comps {
		if w, ok := weights[cb.Package]; ok && cb.Weight == 0 {
			cb.Weight = w
			if err := sess.SaveComponent(cb); err != nil {
				return err
			}
		}
	}
	return nil
}
