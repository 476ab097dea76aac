package builder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modularity/mbs/messaging"
)

// MockBuilder is an in-memory build system. Submitted tasks are tracked
// in a table; completions, tag operations and repo regenerations are
// announced on the transport exactly like the real system would, which
// closes the event loop for tests and local builds.
type MockBuilder struct {
	mu         sync.Mutex
	tasks      map[int64]*mockTask
	nextTaskID int64

	// autoComplete finishes each submitted build immediately.
	autoComplete bool
	// failPackages finish as FAILED instead of COMPLETE.
	failPackages map[string]bool

	publisher messaging.Publisher
	logger    *slog.Logger
}

type mockTask struct {
	Name   string
	Source string
	State  TaskState
	NVR    string
}

// NewMockBuilder creates a mock build system publishing its events on
// the given transport.
func NewMockBuilder(publisher messaging.Publisher, autoComplete bool, logger *slog.Logger) *MockBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockBuilder{
		tasks:        make(map[int64]*mockTask),
		nextTaskID:   1000,
		autoComplete: autoComplete,
		failPackages: make(map[string]bool),
		publisher:    publisher,
		logger:       logger,
	}
}

// FailPackage makes future builds of name finish as FAILED.
func (b *MockBuilder) FailPackage(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPackages[name] = true
}

// BuildrootConnect is a no-op for the mock.
func (b *MockBuilder) BuildrootConnect(ctx context.Context, tag string, deps []BuildrootDep) error {
	b.logger.Debug("Mock buildroot connect", "tag", tag, "deps", len(deps))
	return nil
}

// BuildrootAddRepos is a no-op for the mock.
func (b *MockBuilder) BuildrootAddRepos(ctx context.Context, tag string, deps []BuildrootDep) error {
	b.logger.Debug("Mock buildroot add repos", "tag", tag, "deps", len(deps))
	return nil
}

// GetDisttagSRPM returns a synthetic SRPM source for the dist tag.
func (b *MockBuilder) GetDisttagSRPM(ctx context.Context, disttag string) (string, error) {
	return fmt.Sprintf("srpm:module-build-macros-0.1-1.%s.src.rpm", disttag), nil
}

// Build records a new task. With auto-complete enabled the task
// finishes immediately and the state change is published.
func (b *MockBuilder) Build(ctx context.Context, artifactName, source string) (BuildResult, error) {
	b.mu.Lock()
	b.nextTaskID++
	taskID := b.nextTaskID
	task := &mockTask{
		Name:   artifactName,
		Source: source,
		State:  TaskStateBuilding,
	}
	b.tasks[taskID] = task
	auto := b.autoComplete
	fail := b.failPackages[artifactName]
	b.mu.Unlock()

	b.logger.Debug("Mock build submitted", "name", artifactName, "task_id", taskID)

	if auto {
		final := TaskStateComplete
		if fail {
			final = TaskStateFailed
		}
		if err := b.FinishTask(ctx, taskID, final); err != nil {
			return BuildResult{}, err
		}
	}

	return BuildResult{TaskID: taskID, State: TaskStateBuilding}, nil
}

// FinishTask moves a task to a terminal state and publishes the build
// state change.
func (b *MockBuilder) FinishTask(ctx context.Context, taskID int64, state TaskState) error {
	b.mu.Lock()
	task, ok := b.tasks[taskID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("unknown task %d", taskID)
	}
	task.State = state
	if state == TaskStateComplete {
		task.NVR = fmt.Sprintf("%s-1.0-1", task.Name)
	}
	name := task.Name
	nvr := task.NVR
	b.mu.Unlock()

	ev := &messaging.ComponentStateChanged{
		MsgID:  messaging.NewMsgID(),
		TaskID: taskID,
		State:  int(state),
	}
	if nvr != "" {
		ev.Name = name
		ev.Version = "1.0"
		ev.Release = "1"
	}
	return b.publisher.Publish(ctx, messaging.SubjectBuildStateChange, ev)
}

// SetTaskState changes a task's state without publishing. Used to
// simulate lost messages the poller must recover.
func (b *MockBuilder) SetTaskState(taskID int64, state TaskState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if task, ok := b.tasks[taskID]; ok {
		task.State = state
		if state == TaskStateComplete && task.NVR == "" {
			task.NVR = fmt.Sprintf("%s-1.0-1", task.Name)
		}
	}
}

// CancelBuild marks the task canceled and publishes the change.
func (b *MockBuilder) CancelBuild(ctx context.Context, taskID int64) error {
	b.mu.Lock()
	task, ok := b.tasks[taskID]
	if !ok || task.State.Terminal() {
		b.mu.Unlock()
		return nil
	}
	task.State = TaskStateCanceled
	b.mu.Unlock()

	b.logger.Debug("Mock build canceled", "task_id", taskID)
	return b.publisher.Publish(ctx, messaging.SubjectBuildStateChange, &messaging.ComponentStateChanged{
		MsgID:  messaging.NewMsgID(),
		TaskID: taskID,
		State:  int(TaskStateCanceled),
	})
}

// CanceledTasks returns the ids of tasks that were canceled.
func (b *MockBuilder) CanceledTasks() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int64
	for id, task := range b.tasks {
		if task.State == TaskStateCanceled {
			out = append(out, id)
		}
	}
	return out
}

// TagArtifacts publishes one tag change per artifact.
func (b *MockBuilder) TagArtifacts(ctx context.Context, tag string, nvrs []string, dest bool) error {
	for _, nvr := range nvrs {
		ev := &messaging.TagChanged{
			MsgID: messaging.NewMsgID(),
			Tag:   tag,
			NVR:   nvr,
		}
		if err := b.publisher.Publish(ctx, messaging.SubjectTagChange, ev); err != nil {
			return err
		}
	}
	return nil
}

// NewRepo publishes a repo regeneration for the tag and returns the
// regen task id.
func (b *MockBuilder) NewRepo(ctx context.Context, tag string) (int64, error) {
	b.mu.Lock()
	b.nextTaskID++
	taskID := b.nextTaskID
	b.mu.Unlock()

	err := b.publisher.Publish(ctx, messaging.SubjectRepoDone, &messaging.RepoRegenerated{
		MsgID: messaging.NewMsgID(),
		Tag:   tag,
	})
	if err != nil {
		return 0, err
	}
	return taskID, nil
}

// GetTaskInfo returns the mock's view of a task.
func (b *MockBuilder) GetTaskInfo(ctx context.Context, taskID int64) (TaskInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[taskID]
	if !ok {
		return TaskInfo{}, fmt.Errorf("unknown task %d", taskID)
	}
	return TaskInfo{
		TaskID: taskID,
		State:  task.State,
		NVR:    task.NVR,
	}, nil
}

// GetBuildWeights assigns unit weight to every component.
func (b *MockBuilder) GetBuildWeights(ctx context.Context, names []string) map[string]float64 {
	weights := make(map[string]float64, len(names))
	for _, name := range names {
		weights[name] = 1
	}
	return weights
}
