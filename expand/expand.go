// Package expand turns an abstract manifest with stream sets into a
// finite list of fully pinned manifests, one per surviving stream
// combination, each carrying its context hashes.
package expand

import (
	"fmt"
	"sort"

	"github.com/modularity/mbs/manifest"
	"github.com/modularity/mbs/mbserr"
	"github.com/modularity/mbs/models"
	"github.com/modularity/mbs/resolver"
)

// Options control one expansion run.
type Options struct {
	// RaiseIfAmbiguous makes expansion fail when more than one variant
	// survives.
	RaiseIfAmbiguous bool
	// DefaultStreams picks one stream per module name when a stream
	// set is otherwise ambiguous.
	DefaultStreams map[string]string
	// BaseModuleNames are treated as base modules for version
	// prefixing.
	BaseModuleNames []string
}

// Expand resolves every buildrequired stream set against the catalogue,
// takes the Cartesian product, prunes transitively inconsistent
// combinations and emits one pinned manifest per survivor.
func Expand(sess *models.Session, res resolver.Resolver, doc *manifest.Document, opts Options) ([]*manifest.Document, error) {
	buildrequires := doc.BuildRequires()

	names := make([]string, 0, len(buildrequires))
	for name := range buildrequires {
		names = append(names, name)
	}
	sort.Strings(names)

	// Resolve each dependency's stream set against the catalogue.
	choices := make([][]string, len(names))
	for i, name := range names {
		sel := manifest.ParseStreams(buildrequires[name])
		streams := sel.Include
		if len(streams) == 0 {
			available, err := res.GetModuleStreams(sess, name)
			if err != nil {
				return nil, mbserr.Transient(fmt.Sprintf("resolve streams of %s", name), err)
			}
			streams = sel.Resolve(available)
		}
		if len(streams) == 0 {
			return nil, mbserr.Validationf("buildrequired module %s has no available stream", name)
		}
		if len(streams) > 1 {
			if def, ok := opts.DefaultStreams[name]; ok && containsString(streams, def) {
				streams = []string{def}
			}
		}
		sort.Strings(streams)
		choices[i] = streams
	}

	// Cartesian product of per-dependency stream choices.
	candidates := cartesian(names, choices)

	// Prune candidates whose transitive requires disagree, and pin the
	// survivors.
	var variants []*manifest.Document
	for _, candidate := range candidates {
		pinnedDoc, ok, err := pinCandidate(sess, res, doc, names, candidate)
		if err != nil {
			return nil, err
		}
		if ok {
			variants = append(variants, pinnedDoc)
		}
	}

	if len(variants) == 0 {
		return nil, mbserr.Validationf("no stream combination of %s:%s can be resolved", doc.Data.Name, doc.Data.Stream)
	}
	if len(variants) > 1 && opts.RaiseIfAmbiguous {
		return nil, mbserr.StreamAmbiguousf("%s:%s expands to %d stream combinations",
			doc.Data.Name, doc.Data.Stream, len(variants))
	}
	return variants, nil
}

// cartesian enumerates every combination of one stream per dependency
// name, in deterministic order.
func cartesian(names []string, choices [][]string) []map[string]string {
	result := []map[string]string{{}}
	for i, name := range names {
		var next []map[string]string
		for _, partial := range result {
			for _, stream := range choices[i] {
				combo := make(map[string]string, len(partial)+1)
				for k, v := range partial {
					combo[k] = v
				}
				combo[name] = stream
				next = append(next, combo)
			}
		}
		result = next
	}
	return result
}

// pinCandidate fetches the manifest behind every chosen stream, checks
// cross-dependency consistency of the transitive requires, and builds
// the pinned output manifest. ok is false when the candidate must be
// pruned.
func pinCandidate(sess *models.Session, res resolver.Resolver, doc *manifest.Document, names []string, candidate map[string]string) (*manifest.Document, bool, error) {
	baseStreamVersion := int64(0)
	for _, stream := range candidate {
		if v, ok := models.GetStreamVersion(stream, true); ok && v > baseStreamVersion {
			baseStreamVersion = v
		}
	}

	pinned := make(map[string]manifest.PinnedModule, len(names))
	// transitive records the stream every module must agree on across
	// all dependency manifests of this candidate.
	transitive := make(map[string]string, len(candidate))
	for name, stream := range candidate {
		transitive[name] = stream
	}

	for _, name := range names {
		stream := candidate[name]
		mmds, err := res.GetBuildrequiredModulemds(sess, name, stream, baseStreamVersion)
		if err != nil {
			return nil, false, mbserr.Transient(fmt.Sprintf("resolve %s:%s", name, stream), err)
		}
		if len(mmds) == 0 {
			// Chosen stream has no live build behind it.
			return nil, false, nil
		}
		dep := mmds[0]
		pinned[name] = manifest.PinnedModule{
			Stream:  dep.Data.Stream,
			Version: dep.Data.Version,
			Context: dep.Data.Context,
		}

		// Cross-build-dependency consistency: the dependency's own
		// runtime requires must not contradict any stream already
		// chosen or implied.
		for reqName, reqStreams := range dep.Requires() {
			sel := manifest.ParseStreams(reqStreams)
			if len(sel.Include) == 0 {
				continue
			}
			if chosen, ok := transitive[reqName]; ok {
				if !containsString(sel.Include, chosen) {
					return nil, false, nil
				}
			} else if len(sel.Include) == 1 {
				transitive[reqName] = sel.Include[0]
			}
		}
	}

	out := doc.Copy()
	buildrequires := make(map[string][]string, len(candidate))
	brStreams := make(map[string]string, len(candidate))
	for name, stream := range candidate {
		buildrequires[name] = []string{stream}
		brStreams[name] = stream
	}
	out.SetBuildRequires(buildrequires)

	// Pin runtime requires to the chosen stream where the module is
	// also buildrequired.
	requires := make(map[string][]string)
	reqStreams := make(map[string]string)
	for name, streams := range doc.Requires() {
		if stream, ok := candidate[name]; ok {
			requires[name] = []string{stream}
			reqStreams[name] = stream
			continue
		}
		requires[name] = append([]string(nil), streams...)
		sel := manifest.ParseStreams(streams)
		if len(sel.Include) == 1 {
			reqStreams[name] = sel.Include[0]
		}
	}
	if len(requires) > 0 {
		out.SetRequires(requires)
	}

	if out.Data.Pinned.BuildRequires == nil {
		out.Data.Pinned.BuildRequires = make(map[string]manifest.PinnedModule, len(pinned))
	}
	for name, p := range pinned {
		out.Data.Pinned.BuildRequires[name] = p
	}

	ctxs := ComputeContexts(brStreams, pinned, reqStreams)
	out.Data.Context = ctxs.Context
	return out, true, nil
}

// VariantContexts recomputes the context hashes of an already pinned
// variant. Used by the submission path to fill the module build row.
func VariantContexts(doc *manifest.Document) Contexts {
	brStreams := make(map[string]string)
	for name, streams := range doc.BuildRequires() {
		if len(streams) == 1 {
			brStreams[name] = streams[0]
		}
	}
	reqStreams := make(map[string]string)
	for name, streams := range doc.Requires() {
		if len(streams) == 1 {
			reqStreams[name] = streams[0]
		}
	}
	return ComputeContexts(brStreams, doc.Data.Pinned.BuildRequires, reqStreams)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
