// Package builder defines the narrow interface the orchestrator uses to
// talk to the external build system, plus the mock implementation used
// for tests and local builds.
package builder

import (
	"context"
)

// TaskState is the build system's task state for one component build.
type TaskState int

const (
	TaskStateBuilding TaskState = 0
	TaskStateComplete TaskState = 1
	TaskStateDeleted  TaskState = 2
	TaskStateFailed   TaskState = 3
	TaskStateCanceled TaskState = 4
)

var taskStateNames = map[TaskState]string{
	TaskStateBuilding: "BUILDING",
	TaskStateComplete: "COMPLETE",
	TaskStateDeleted:  "DELETED",
	TaskStateFailed:   "FAILED",
	TaskStateCanceled: "CANCELED",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateComplete, TaskStateDeleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// Dead reports whether the state means the task died without producing
// an artifact.
func (s TaskState) Dead() bool {
	return s == TaskStateFailed || s == TaskStateCanceled
}

// BuildrootDep is one pinned module dependency seeding a buildroot.
type BuildrootDep struct {
	Name    string
	Stream  string
	Version int64
	Context string
	// Tag is the build system tag providing the dependency's artifacts.
	Tag string
}

// BuildResult is the outcome of submitting one component build.
// TaskID zero means the submission itself failed; Reason says why.
type BuildResult struct {
	TaskID int64
	State  TaskState
	Reason string
}

// TaskInfo is the build system's view of a task.
type TaskInfo struct {
	TaskID int64
	State  TaskState
	NVR    string
	Reason string
}

// Builder is the capability the scheduler consumes. Implementations
// must be safe for concurrent use.
type Builder interface {
	// BuildrootConnect seeds the buildroot behind tag with the pinned
	// dependencies.
	BuildrootConnect(ctx context.Context, tag string, deps []BuildrootDep) error
	// BuildrootAddRepos adds dependency repositories to the buildroot.
	BuildrootAddRepos(ctx context.Context, tag string, deps []BuildrootDep) error
	// GetDisttagSRPM returns the source of a synthetic SRPM carrying
	// the module's dist tag macros.
	GetDisttagSRPM(ctx context.Context, disttag string) (string, error)
	// Build submits one component build. A zero TaskID in the result
	// means submission failed; the error return is reserved for
	// transport-level failures.
	Build(ctx context.Context, artifactName, source string) (BuildResult, error)
	// CancelBuild requests cancellation of an in-flight task. Best
	// effort; failures are non-fatal.
	CancelBuild(ctx context.Context, taskID int64) error
	// TagArtifacts tags built artifacts into tag. Dest artifacts also
	// land in the module's destination tag.
	TagArtifacts(ctx context.Context, tag string, nvrs []string, dest bool) error
	// NewRepo requests a repository regeneration for tag.
	NewRepo(ctx context.Context, tag string) (int64, error)
	// GetTaskInfo queries the state of a task.
	GetTaskInfo(ctx context.Context, taskID int64) (TaskInfo, error)
	// GetBuildWeights estimates build cost per component name. An
	// empty map is returned on failure.
	GetBuildWeights(ctx context.Context, names []string) map[string]float64
}
