// Package resolver answers module metadata queries: which streams
// exist, which pinned manifests back a stream, and what a build's
// dependencies map to in the build system.
package resolver

import (
	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/manifest"
	"github.com/modularity/mbs/models"
)

// Resolver is the catalogue interface consumed by stream expansion and
// the scheduler's WAIT handler.
type Resolver interface {
	// GetModuleStreams returns the known streams for a module name.
	GetModuleStreams(sess *models.Session, name string) ([]string, error)
	// GetModuleModulemds returns the pinned manifests available for
	// name:stream, newest version first. With strict set, an empty
	// result is an error.
	GetModuleModulemds(sess *models.Session, name, stream string, strict bool) ([]*manifest.Document, error)
	// GetBuildrequiredModulemds returns expansion candidates for
	// name:stream built against the given base module stream version.
	GetBuildrequiredModulemds(sess *models.Session, name, stream string, baseStreamVersion int64) ([]*manifest.Document, error)
	// GetModuleBuildDependencies returns the buildroot dependencies of
	// a pinned module build, one entry per buildrequired module.
	GetModuleBuildDependencies(sess *models.Session, mb *models.ModuleBuild, strict bool) ([]builder.BuildrootDep, error)
	// GetModuleTag returns the destination tag for a module build.
	GetModuleTag(sess *models.Session, mb *models.ModuleBuild) (string, error)
}
