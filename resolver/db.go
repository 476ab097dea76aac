package resolver

import (
	"fmt"
	"log/slog"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/manifest"
	"github.com/modularity/mbs/models"
)

// DBResolver answers from the store's READY module builds. It is the
// default resolver: every module this orchestrator ever finished is
// part of the catalogue.
type DBResolver struct {
	logger *slog.Logger
}

// NewDBResolver creates a store-backed resolver.
func NewDBResolver(logger *slog.Logger) *DBResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBResolver{logger: logger}
}

// GetModuleStreams lists the streams with at least one READY build.
func (r *DBResolver) GetModuleStreams(sess *models.Session, name string) ([]string, error) {
	builds, err := sess.LastBuildsInAllStreams(name)
	if err != nil {
		return nil, err
	}
	streams := make([]string, 0, len(builds))
	for _, mb := range builds {
		streams = append(streams, mb.Stream)
	}
	return streams, nil
}

// GetModuleModulemds returns the manifests of READY builds of
// name:stream, highest version first.
func (r *DBResolver) GetModuleModulemds(sess *models.Session, name, stream string, strict bool) ([]*manifest.Document, error) {
	mb, err := sess.LastBuildInStream(name, stream)
	if err != nil {
		return nil, err
	}
	if mb == nil {
		if strict {
			return nil, fmt.Errorf("no ready module build for %s:%s", name, stream)
		}
		return nil, nil
	}

	doc, err := manifest.Parse([]byte(mb.Modulemd))
	if err != nil {
		return nil, fmt.Errorf("manifest of %s is corrupt: %w", mb.NSVC(), err)
	}
	return []*manifest.Document{doc}, nil
}

// GetBuildrequiredModulemds returns expansion candidates for
// name:stream. The DB resolver keeps one live build per stream, so the
// base module stream version does not narrow the result further.
func (r *DBResolver) GetBuildrequiredModulemds(sess *models.Session, name, stream string, baseStreamVersion int64) ([]*manifest.Document, error) {
	return r.GetModuleModulemds(sess, name, stream, false)
}

// GetModuleBuildDependencies maps a build's pinned buildrequires to
// buildroot dependencies carrying the providing tags.
func (r *DBResolver) GetModuleBuildDependencies(sess *models.Session, mb *models.ModuleBuild, strict bool) ([]builder.BuildrootDep, error) {
	doc, err := manifest.Parse([]byte(mb.Modulemd))
	if err != nil {
		return nil, fmt.Errorf("manifest of %s is corrupt: %w", mb.NSVC(), err)
	}

	deps := make([]builder.BuildrootDep, 0, len(doc.Data.Pinned.BuildRequires))
	for name, pinned := range doc.Data.Pinned.BuildRequires {
		dep := builder.BuildrootDep{
			Name:    name,
			Stream:  pinned.Stream,
			Version: pinned.Version,
			Context: pinned.Context,
		}
		provider, err := sess.GetBuildFromNSVC(name, pinned.Stream, pinned.Version, pinned.Context)
		if err != nil {
			return nil, err
		}
		switch {
		case provider != nil:
			dep.Tag = provider.KojiTag
		case strict:
			return nil, fmt.Errorf("buildrequired module %s:%s:%d:%s is not in the store",
				name, pinned.Stream, pinned.Version, pinned.Context)
		default:
			r.logger.Debug("Buildrequired module not in store",
				"name", name, "stream", pinned.Stream)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// GetModuleTag derives the destination tag from the build's NSVC.
func (r *DBResolver) GetModuleTag(sess *models.Session, mb *models.ModuleBuild) (string, error) {
	if mb.Name == "" || mb.Stream == "" {
		return "", fmt.Errorf("module build %d has no name or stream", mb.ID)
	}
	return fmt.Sprintf("module-%s-%s-%d-%s", mb.Name, mb.Stream, mb.Version, mb.Context), nil
}
