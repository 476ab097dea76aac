package builder

import (
	"context"
	"testing"

	"github.com/modularity/mbs/messaging"
)

func TestTaskStateString(t *testing.T) {
	tests := []struct {
		state TaskState
		want  string
	}{
		{TaskStateBuilding, "BUILDING"},
		{TaskStateComplete, "COMPLETE"},
		{TaskStateDeleted, "DELETED"},
		{TaskStateFailed, "FAILED"},
		{TaskStateCanceled, "CANCELED"},
		{TaskState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("TaskState(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestTaskStateClassification(t *testing.T) {
	if TaskStateBuilding.Terminal() {
		t.Error("BUILDING must not be terminal")
	}
	if !TaskStateComplete.Terminal() {
		t.Error("COMPLETE must be terminal")
	}
	if TaskStateComplete.Dead() {
		t.Error("COMPLETE must not be dead")
	}
	if !TaskStateFailed.Dead() || !TaskStateCanceled.Dead() {
		t.Error("FAILED and CANCELED must be dead")
	}
}

func TestMockBuildAutoComplete(t *testing.T) {
	ctx := context.Background()
	tr := messaging.NewMemTransport(16, nil)
	defer tr.Close()
	b := NewMockBuilder(tr, true, nil)

	res, err := b.Build(ctx, "tangerine", "git://example.com/tangerine?#abc")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if res.TaskID == 0 {
		t.Fatal("expected a task id")
	}

	info, err := b.GetTaskInfo(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("GetTaskInfo failed: %v", err)
	}
	if info.State != TaskStateComplete {
		t.Errorf("expected COMPLETE, got %s", info.State)
	}
	if info.NVR != "tangerine-1.0-1" {
		t.Errorf("unexpected nvr: %s", info.NVR)
	}

	msgs := tr.PublishedOn(messaging.SubjectBuildStateChange)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 build state change, got %d", len(msgs))
	}
}

func TestMockBuildFailPackage(t *testing.T) {
	ctx := context.Background()
	tr := messaging.NewMemTransport(16, nil)
	defer tr.Close()
	b := NewMockBuilder(tr, true, nil)
	b.FailPackage("tangerine")

	res, err := b.Build(ctx, "tangerine", "src")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	info, err := b.GetTaskInfo(ctx, res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != TaskStateFailed {
		t.Errorf("expected FAILED, got %s", info.State)
	}
}

func TestMockCancelBuild(t *testing.T) {
	ctx := context.Background()
	tr := messaging.NewMemTransport(16, nil)
	defer tr.Close()
	b := NewMockBuilder(tr, false, nil)

	res, err := b.Build(ctx, "perl-Tangerine", "src")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.CancelBuild(ctx, res.TaskID); err != nil {
		t.Fatalf("CancelBuild failed: %v", err)
	}

	info, _ := b.GetTaskInfo(ctx, res.TaskID)
	if info.State != TaskStateCanceled {
		t.Errorf("expected CANCELED, got %s", info.State)
	}
	if got := b.CanceledTasks(); len(got) != 1 || got[0] != res.TaskID {
		t.Errorf("unexpected canceled tasks: %v", got)
	}

	// Canceling a finished task is a no-op.
	b.SetTaskState(res.TaskID, TaskStateComplete)
	if err := b.CancelBuild(ctx, res.TaskID); err != nil {
		t.Errorf("second cancel errored: %v", err)
	}
}

func TestMockTagAndRepo(t *testing.T) {
	ctx := context.Background()
	tr := messaging.NewMemTransport(16, nil)
	defer tr.Close()
	b := NewMockBuilder(tr, false, nil)

	if err := b.TagArtifacts(ctx, "module-x-1-build", []string{"a-1-1", "b-1-1"}, false); err != nil {
		t.Fatalf("TagArtifacts failed: %v", err)
	}
	if got := tr.PublishedOn(messaging.SubjectTagChange); len(got) != 2 {
		t.Errorf("expected 2 tag changes, got %d", len(got))
	}

	taskID, err := b.NewRepo(ctx, "module-x-1-build")
	if err != nil {
		t.Fatalf("NewRepo failed: %v", err)
	}
	if taskID == 0 {
		t.Error("expected a regen task id")
	}
	if got := tr.PublishedOn(messaging.SubjectRepoDone); len(got) != 1 {
		t.Errorf("expected 1 repo done, got %d", len(got))
	}
}

func TestMockBuildWeights(t *testing.T) {
	b := NewMockBuilder(messaging.NewMemTransport(4, nil), false, nil)
	w := b.GetBuildWeights(context.Background(), []string{"a", "b"})
	if len(w) != 2 || w["a"] != 1 {
		t.Errorf("unexpected weights: %v", w)
	}
}
