package submit

import (
	"fmt"
	"sort"

	"github.com/modularity/mbs/manifest"
	"github.com/modularity/mbs/mbserr"
	"github.com/modularity/mbs/models"
)

// componentEntry is one flattened component candidate. Nested module
// components contribute their RPM components with the outer module's
// build order as the primary ordering key.
type componentEntry struct {
	Package       string
	Ref           string
	Repository    string
	BuildOrder    int
	OuterOrder    int
	BuildTimeOnly bool
}

// RecordComponentBuilds flattens the manifest's component list
// (recursing into module components) and creates one ComponentBuild
// row per package. Batch numbers start at 2 and increase whenever the
// build order does; batch 1 is reserved for module-build-macros.
func (s *Submitter) RecordComponentBuilds(sess *models.Session, doc *manifest.Document, mb *models.ModuleBuild) error {
	entries, err := s.gatherComponents(sess, doc, 0, 0)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.OuterOrder != b.OuterOrder {
			return a.OuterOrder < b.OuterOrder
		}
		if a.BuildOrder != b.BuildOrder {
			return a.BuildOrder < b.BuildOrder
		}
		return a.Package < b.Package
	})

	batch := 1
	var prevOrder *[2]int
	for _, e := range entries {
		order := [2]int{e.OuterOrder, e.BuildOrder}
		if prevOrder == nil || *prevOrder != order {
			batch++
			prevOrder = &order
		}

		scmurl := e.Repository
		if scmurl == "" {
			scmurl = fmt.Sprintf("repo://%s", e.Package)
		}
		if ref := componentRef(doc, e); ref != "" {
			scmurl = fmt.Sprintf("%s?#%s", scmurl, ref)
		}

		cb := &models.ComponentBuild{
			ModuleID:      mb.ID,
			Package:       e.Package,
			SCMURL:        scmurl,
			Format:        "rpms",
			Batch:         batch,
			BuildTimeOnly: e.BuildTimeOnly,
		}
		if err := sess.CreateComponent(cb); err != nil {
			return err
		}
	}
	return nil
}

// componentRef prefers a submission-time pinned ref over the declared
// one.
func componentRef(doc *manifest.Document, e componentEntry) string {
	if ref, ok := doc.Data.Pinned.RPMRefs[e.Package]; ok {
		return ref
	}
	return e.Ref
}

// gatherComponents collects the manifest's RPM components, recursing
// into module components. A package appearing in more than one nested
// manifest is an error.
func (s *Submitter) gatherComponents(sess *models.Session, doc *manifest.Document, outerOrder, depth int) ([]componentEntry, error) {
	if depth > 2 {
		return nil, mbserr.Validationf("module components nested deeper than 2 levels in %s", doc.Data.Name)
	}

	var entries []componentEntry
	seen := make(map[string]bool)

	for pkg, c := range doc.Data.Components.RPMs {
		entries = append(entries, componentEntry{
			Package:       pkg,
			Ref:           c.Ref,
			Repository:    c.Repository,
			BuildOrder:    c.BuildOrder,
			OuterOrder:    outerOrder,
			BuildTimeOnly: c.BuildTimeOnly,
		})
		seen[pkg] = true
	}

	for name, mc := range doc.Data.Components.Modules {
		stream := mc.Ref
		if stream == "" {
			return nil, mbserr.Validationf("module component %s of %s has no ref", name, doc.Data.Name)
		}
		mmds, err := s.resolver.GetModuleModulemds(sess, name, stream, true)
		if err != nil {
			return nil, mbserr.Validationf("module component %s:%s cannot be resolved: %v", name, stream, err)
		}
		inner, err := s.gatherComponents(sess, mmds[0], mc.BuildOrder, depth+1)
		if err != nil {
			return nil, err
		}
		for _, e := range inner {
			if seen[e.Package] {
				return nil, mbserr.Validationf(
					"component %s exists in multiple nested manifests", e.Package)
			}
			seen[e.Package] = true
			entries = append(entries, e)
		}
	}

	return entries, nil
}
