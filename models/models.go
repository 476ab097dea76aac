package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/modularity/mbs/builder"
)

// ModuleBuild is the top-level unit of work. The natural key
// (name, stream, version, context) is unique.
type ModuleBuild struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	Name    string `gorm:"uniqueIndex:idx_nsvc;index"`
	Stream  string `gorm:"uniqueIndex:idx_nsvc"`
	Version int64  `gorm:"uniqueIndex:idx_nsvc"`
	Context string `gorm:"uniqueIndex:idx_nsvc"`

	State       ModuleState `gorm:"index"`
	StateReason string

	// Modulemd is the fully pinned manifest, serialized as YAML.
	Modulemd string
	SCMURL   string
	Owner    string

	// KojiTag is the build system tag assigned in WAIT. The build tag
	// is KojiTag + "-build".
	KojiTag string `gorm:"index"`

	// Batch is the current batch index; 0 before the first batch.
	Batch int

	RebuildStrategy string

	// NewRepoTaskID tracks an in-flight repo regeneration request.
	NewRepoTaskID int64

	RefBuildContext string
	BuildContext    string
	RuntimeContext  string

	TimeSubmitted time.Time
	TimeModified  time.Time
	TimeCompleted *time.Time

	Components []*ComponentBuild `gorm:"foreignKey:ModuleID;constraint:OnDelete:CASCADE"`
}

func (ModuleBuild) TableName() string { return "module_builds" }

// NSVC returns the name:stream:version:context identifier.
func (m *ModuleBuild) NSVC() string {
	return fmt.Sprintf("%s:%s:%d:%s", m.Name, m.Stream, m.Version, m.Context)
}

// BuildTag returns the tag whose buildroot the components build in.
func (m *ModuleBuild) BuildTag() string {
	if m.KojiTag == "" {
		return ""
	}
	return m.KojiTag + "-build"
}

// Disttag returns the dist tag marking artifacts of this module.
func (m *ModuleBuild) Disttag() string {
	return fmt.Sprintf("module+%s+%d+%s", m.Stream, m.Version, m.Context)
}

// ComponentBuild is one package build within a module.
type ComponentBuild struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	ModuleID int64  `gorm:"uniqueIndex:idx_module_package;index"`
	Package  string `gorm:"uniqueIndex:idx_module_package"`

	// SCMURL includes the pinned commit ref.
	SCMURL string
	Format string

	// TaskID is the build system task; 0 until submission succeeds.
	TaskID int64 `gorm:"index"`

	// State is the build system task state; nil means not submitted.
	State       *int
	StateReason string

	// NVR is the artifact identifier, set when the build completes.
	NVR string

	Batch int

	Tagged        bool
	TaggedInFinal bool
	BuildTimeOnly bool

	// ReusedComponentID references the component of a previous module
	// build whose artifact this row reuses.
	ReusedComponentID *int64

	// Weight is the build system cost hint.
	Weight float64
}

func (ComponentBuild) TableName() string { return "component_builds" }

// TaskStateName returns the component's builder state name, or "init"
// before submission.
func (c *ComponentBuild) TaskStateName() string {
	if c.State == nil {
		return "init"
	}
	return builder.TaskState(*c.State).String()
}

// InState reports whether the component is in the given task state.
func (c *ComponentBuild) InState(s builder.TaskState) bool {
	return c.State != nil && builder.TaskState(*c.State) == s
}

// Building reports whether the component's task is in flight.
func (c *ComponentBuild) Building() bool {
	return c.InState(builder.TaskStateBuilding)
}

// Complete reports whether the component built successfully.
func (c *ComponentBuild) Complete() bool {
	return c.InState(builder.TaskStateComplete)
}

// Dead reports whether the component failed or was canceled.
func (c *ComponentBuild) Dead() bool {
	return c.State != nil && builder.TaskState(*c.State).Dead()
}

// SetState assigns the builder task state.
func (c *ComponentBuild) SetState(s builder.TaskState) {
	v := int(s)
	c.State = &v
}

// ModuleBuildTrace is one append-only audit row for a module build.
type ModuleBuildTrace struct {
	ID          int64 `gorm:"primaryKey;autoIncrement"`
	ModuleID    int64 `gorm:"index"`
	StateTime   time.Time
	State       ModuleState
	StateReason string
}

func (ModuleBuildTrace) TableName() string { return "module_builds_trace" }

// ComponentBuildTrace is one append-only audit row for a component.
type ComponentBuildTrace struct {
	ID          int64 `gorm:"primaryKey;autoIncrement"`
	ComponentID int64 `gorm:"index"`
	StateTime   time.Time
	State       *int
	StateReason string
	TaskID      int64
}

func (ComponentBuildTrace) TableName() string { return "component_builds_trace" }

// TagToKojiTag strips the "-build" suffix off a build tag, returning
// the module's destination tag unchanged otherwise.
func TagToKojiTag(tag string) string {
	return strings.TrimSuffix(tag, "-build")
}
