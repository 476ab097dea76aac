// Package manifest models the module build manifest: a YAML document
// describing a module stream, its dependencies and the components built
// into it.
package manifest

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the top-level manifest document.
type Document struct {
	Version int  `yaml:"version"`
	Data    Data `yaml:"data"`
}

// Data holds the module definition.
type Data struct {
	Name        string `yaml:"name"`
	Stream      string `yaml:"stream"`
	Version     int64  `yaml:"version,omitempty"`
	Context     string `yaml:"context,omitempty"`
	Summary     string `yaml:"summary,omitempty"`
	Description string `yaml:"description,omitempty"`
	License     struct {
		Module []string `yaml:"module,omitempty"`
	} `yaml:"license,omitempty"`
	ServiceLevels map[string]ServiceLevel `yaml:"servicelevels,omitempty"`
	Dependencies  []Dependencies          `yaml:"dependencies,omitempty"`
	Components   Components     `yaml:"components,omitempty"`
	// Pinned records resolver decisions made at submission time: the
	// exact buildrequired module builds and component commit refs this
	// build was pinned to.
	Pinned Pinned `yaml:"pinned,omitempty"`
}

// ServiceLevel is one support lifetime entry of the stream.
type ServiceLevel struct {
	// EOL is the end-of-life date, YYYY-MM-DD.
	EOL string `yaml:"eol,omitempty"`
}

// Dependencies is one dependency block. Stream lists may contain
// negative entries ("-s" excludes stream s); an empty list means any
// available stream.
type Dependencies struct {
	BuildRequires map[string][]string `yaml:"buildrequires,omitempty"`
	Requires      map[string][]string `yaml:"requires,omitempty"`
}

// Components lists what gets built into the module.
type Components struct {
	RPMs    map[string]*RPMComponent    `yaml:"rpms,omitempty"`
	Modules map[string]*ModuleComponent `yaml:"modules,omitempty"`
}

// RPMComponent is a single RPM package component.
type RPMComponent struct {
	Rationale  string `yaml:"rationale,omitempty"`
	Ref        string `yaml:"ref,omitempty"`
	Repository string `yaml:"repository,omitempty"`
	Cache      string `yaml:"cache,omitempty"`
	BuildOrder int    `yaml:"buildorder,omitempty"`
	// BuildTimeOnly components are tagged into the build tag but left
	// out of the final destination tag.
	BuildTimeOnly bool     `yaml:"buildonly,omitempty"`
	Arches        []string `yaml:"arches,omitempty"`
}

// ModuleComponent is a nested module whose components are flattened
// into this build.
type ModuleComponent struct {
	Rationale  string `yaml:"rationale,omitempty"`
	Ref        string `yaml:"ref,omitempty"`
	Repository string `yaml:"repository,omitempty"`
	BuildOrder int    `yaml:"buildorder,omitempty"`
}

// Pinned captures submission-time resolution results.
type Pinned struct {
	// Commit is the manifest SCM commit hash.
	Commit string `yaml:"commit,omitempty"`
	// CommitTime is the commit timestamp packed as YYYYMMDDhhmmss.
	// It seeds the module version, which keeps resubmissions of the
	// same commit on the same build row.
	CommitTime int64 `yaml:"commit_time,omitempty"`
	// SCMURL is the manifest source URL.
	SCMURL string `yaml:"scmurl,omitempty"`
	// BuildRequires maps module name to the exact build selected.
	BuildRequires map[string]PinnedModule `yaml:"buildrequires,omitempty"`
	// RPMRefs maps component package name to the commit ref it was
	// pinned to.
	RPMRefs map[string]string `yaml:"rpm_refs,omitempty"`
}

// PinnedModule identifies one resolved buildrequired module build.
type PinnedModule struct {
	Stream  string `yaml:"stream"`
	Version int64  `yaml:"version"`
	Context string `yaml:"context,omitempty"`
	Ref     string `yaml:"ref,omitempty"`
}

// Parse decodes a manifest document from YAML.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if doc.Data.Name == "" {
		return nil, fmt.Errorf("manifest has no module name")
	}
	if doc.Data.Stream == "" {
		return nil, fmt.Errorf("manifest %s has no stream", doc.Data.Name)
	}
	return &doc, nil
}

// Marshal encodes the document back to YAML.
func (d *Document) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// Copy returns a deep copy of the document. Stream expansion mutates
// dependency blocks per candidate, so each candidate needs its own copy.
func (d *Document) Copy() *Document {
	out := *d
	out.Data.License.Module = append([]string(nil), d.Data.License.Module...)
	out.Data.Dependencies = make([]Dependencies, len(d.Data.Dependencies))
	for i, dep := range d.Data.Dependencies {
		out.Data.Dependencies[i] = Dependencies{
			BuildRequires: copyStreamMap(dep.BuildRequires),
			Requires:      copyStreamMap(dep.Requires),
		}
	}
	if d.Data.Components.RPMs != nil {
		out.Data.Components.RPMs = make(map[string]*RPMComponent, len(d.Data.Components.RPMs))
		for name, c := range d.Data.Components.RPMs {
			cc := *c
			cc.Arches = append([]string(nil), c.Arches...)
			out.Data.Components.RPMs[name] = &cc
		}
	}
	if d.Data.Components.Modules != nil {
		out.Data.Components.Modules = make(map[string]*ModuleComponent, len(d.Data.Components.Modules))
		for name, c := range d.Data.Components.Modules {
			cc := *c
			out.Data.Components.Modules[name] = &cc
		}
	}
	if d.Data.Pinned.BuildRequires != nil {
		out.Data.Pinned.BuildRequires = make(map[string]PinnedModule, len(d.Data.Pinned.BuildRequires))
		for name, p := range d.Data.Pinned.BuildRequires {
			out.Data.Pinned.BuildRequires[name] = p
		}
	}
	if d.Data.Pinned.RPMRefs != nil {
		out.Data.Pinned.RPMRefs = make(map[string]string, len(d.Data.Pinned.RPMRefs))
		for name, ref := range d.Data.Pinned.RPMRefs {
			out.Data.Pinned.RPMRefs[name] = ref
		}
	}
	return &out
}

func copyStreamMap(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for name, streams := range m {
		out[name] = append([]string(nil), streams...)
	}
	return out
}

// NSVC returns the name:stream:version:context identifier.
func (d *Document) NSVC() string {
	return fmt.Sprintf("%s:%s:%d:%s", d.Data.Name, d.Data.Stream, d.Data.Version, d.Data.Context)
}

// ValidateOptions control submission-time manifest checks.
type ValidateOptions struct {
	// AllowCustomRepositories permits repository/cache overrides on
	// RPM components.
	AllowCustomRepositories bool
}

// Validate checks the manifest is acceptable for submission. The
// version must be unset: the orchestrator assigns it.
func (d *Document) Validate(opts ValidateOptions) error {
	if d.Data.Name == "" {
		return fmt.Errorf("module name is required")
	}
	if d.Data.Stream == "" {
		return fmt.Errorf("module stream is required")
	}
	if d.Data.Version != 0 {
		return fmt.Errorf("module version must not be set on submission")
	}
	if strings.ContainsAny(d.Data.Name, ":- ") {
		return fmt.Errorf("module name %q contains forbidden characters", d.Data.Name)
	}
	if strings.ContainsAny(d.Data.Stream, ": ") {
		return fmt.Errorf("module stream %q contains forbidden characters", d.Data.Stream)
	}
	if len(d.Data.Dependencies) > 1 {
		return fmt.Errorf("only one dependency block is supported for builds")
	}
	if !opts.AllowCustomRepositories {
		for name, c := range d.Data.Components.RPMs {
			if c.Repository != "" || c.Cache != "" {
				return fmt.Errorf("custom repository on component %s is not allowed", name)
			}
		}
	}
	for name, c := range d.Data.Components.RPMs {
		if c.BuildOrder < 0 {
			return fmt.Errorf("component %s has negative buildorder", name)
		}
	}
	return nil
}

// EOL returns the earliest declared end-of-life date among the
// stream's service levels. Entries without a parseable date are
// ignored.
func (d *Document) EOL() (time.Time, bool) {
	var earliest time.Time
	for _, sl := range d.Data.ServiceLevels {
		if sl.EOL == "" {
			continue
		}
		ts, err := time.Parse("2006-01-02", sl.EOL)
		if err != nil {
			continue
		}
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
	}
	return earliest, !earliest.IsZero()
}

// BuildRequires returns the buildrequires of the first dependency
// block, or an empty map when the manifest declares none.
func (d *Document) BuildRequires() map[string][]string {
	if len(d.Data.Dependencies) == 0 {
		return map[string][]string{}
	}
	return d.Data.Dependencies[0].BuildRequires
}

// Requires returns the runtime requires of the first dependency block.
func (d *Document) Requires() map[string][]string {
	if len(d.Data.Dependencies) == 0 {
		return map[string][]string{}
	}
	return d.Data.Dependencies[0].Requires
}

// SetBuildRequires replaces the buildrequires of the first dependency
// block, creating the block when absent.
func (d *Document) SetBuildRequires(reqs map[string][]string) {
	if len(d.Data.Dependencies) == 0 {
		d.Data.Dependencies = []Dependencies{{}}
	}
	d.Data.Dependencies[0].BuildRequires = reqs
}

// SetRequires replaces the runtime requires of the first dependency
// block, creating the block when absent.
func (d *Document) SetRequires(reqs map[string][]string) {
	if len(d.Data.Dependencies) == 0 {
		d.Data.Dependencies = []Dependencies{{}}
	}
	d.Data.Dependencies[0].Requires = reqs
}

// StreamSelector classifies a stream list: an empty list or a list of
// negatives selects from the catalogue, positives select directly.
type StreamSelector struct {
	Include []string
	Exclude []string
}

// ParseStreams splits a stream list into positive and negative entries.
func ParseStreams(streams []string) StreamSelector {
	var sel StreamSelector
	for _, s := range streams {
		if strings.HasPrefix(s, "-") {
			sel.Exclude = append(sel.Exclude, strings.TrimPrefix(s, "-"))
		} else {
			sel.Include = append(sel.Include, s)
		}
	}
	return sel
}

// Resolve applies the selector against the catalogue of available
// streams. Positive entries win outright; otherwise the catalogue minus
// the excluded streams is returned.
func (sel StreamSelector) Resolve(available []string) []string {
	if len(sel.Include) > 0 {
		return append([]string(nil), sel.Include...)
	}
	var out []string
	for _, s := range available {
		excluded := false
		for _, e := range sel.Exclude {
			if s == e {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, s)
		}
	}
	return out
}
