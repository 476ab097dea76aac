package models

import (
	"context"
	"testing"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/messaging"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newModule(name, stream string, version int64, context string) *ModuleBuild {
	return &ModuleBuild{
		Name:            name,
		Stream:          stream,
		Version:         version,
		Context:         context,
		State:           StateInit,
		Owner:           "mprahl",
		RebuildStrategy: "changed-and-after",
	}
}

func TestGetStreamVersion(t *testing.T) {
	tests := []struct {
		stream   string
		rightPad bool
		want     int64
		ok       bool
	}{
		{"f29.1.0", true, 290100, true},
		{"f29.1.0", false, 290100, true},
		{"f28", true, 280000, true},
		{"f28", false, 28, true},
		{"f29.12.25", true, 291225, true},
		{"rawhide", true, 0, false},
		{"el8.2", true, 80200, true},
	}
	for _, tt := range tests {
		got, ok := GetStreamVersion(tt.stream, tt.rightPad)
		if ok != tt.ok || got != tt.want {
			t.Errorf("GetStreamVersion(%q, %v) = (%d, %v), want (%d, %v)",
				tt.stream, tt.rightPad, got, ok, tt.want, tt.ok)
		}
	}
}

func TestModuleStateNames(t *testing.T) {
	for s, want := range map[ModuleState]string{
		StateInit: "init", StateWait: "wait", StateBuild: "build",
		StateDone: "done", StateFailed: "failed", StateReady: "ready",
	} {
		if s.String() != want {
			t.Errorf("state %d name = %s, want %s", int(s), s.String(), want)
		}
		parsed, err := ParseModuleState(want)
		if err != nil || parsed != s {
			t.Errorf("ParseModuleState(%q) = (%v, %v)", want, parsed, err)
		}
	}
	if _, err := ParseModuleState("bogus"); err == nil {
		t.Error("expected error for unknown state name")
	}
}

func TestTransitionAllowed(t *testing.T) {
	allowed := [][2]ModuleState{
		{StateInit, StateWait}, {StateWait, StateBuild},
		{StateBuild, StateDone}, {StateDone, StateReady},
		{StateInit, StateFailed}, {StateBuild, StateFailed},
	}
	for _, p := range allowed {
		if !TransitionAllowed(p[0], p[1]) {
			t.Errorf("expected %s -> %s to be legal", p[0], p[1])
		}
	}
	forbidden := [][2]ModuleState{
		{StateInit, StateBuild}, {StateFailed, StateWait},
		{StateReady, StateDone}, {StateDone, StateBuild},
	}
	for _, p := range forbidden {
		if TransitionAllowed(p[0], p[1]) {
			t.Errorf("expected %s -> %s to be illegal", p[0], p[1])
		}
	}
}

func TestCreateModuleAppendsTrace(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	mb := newModule("testmodule", "master", 20180205135154, "c2c572ec")
	_, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.CreateModule(mb)
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err = store.WithSession(ctx, func(sess *Session) error {
		traces, err := sess.ModuleTraces(mb.ID)
		if err != nil {
			return err
		}
		if len(traces) != 1 {
			t.Fatalf("expected 1 trace row, got %d", len(traces))
		}
		if traces[0].State != StateInit {
			t.Errorf("expected init trace, got %s", traces[0].State)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTraceRecordsEachStateInOneSession(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	// Creation and the first transition happen in the same session on
	// the submission path; both states must land in the trace.
	mb := newModule("testmodule", "master", 1, "c1")
	if _, err := store.WithSession(ctx, func(sess *Session) error {
		if err := sess.CreateModule(mb); err != nil {
			return err
		}
		return sess.Transition(mb, StateWait, "Submitted by mprahl")
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		traces, err := sess.ModuleTraces(mb.ID)
		if err != nil {
			return err
		}
		if len(traces) != 2 {
			t.Fatalf("expected 2 trace rows, got %d", len(traces))
		}
		if traces[0].State != StateInit || traces[1].State != StateWait {
			t.Errorf("trace sequence %s, %s, want init, wait", traces[0].State, traces[1].State)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestTraceOnlyOnStateChange(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	mb := newModule("testmodule", "master", 1, "c1")
	if _, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.CreateModule(mb)
	}); err != nil {
		t.Fatal(err)
	}

	// Save without a state change: no new trace.
	if _, err := store.WithSession(ctx, func(sess *Session) error {
		mb.Batch = 2
		return sess.SaveModule(mb)
	}); err != nil {
		t.Fatal(err)
	}

	// Transition: one new trace.
	if _, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.Transition(mb, StateWait, "")
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		traces, err := sess.ModuleTraces(mb.ID)
		if err != nil {
			return err
		}
		if len(traces) != 2 {
			t.Fatalf("expected 2 trace rows, got %d", len(traces))
		}
		if traces[1].State != StateWait {
			t.Errorf("expected wait trace, got %s", traces[1].State)
		}
		if traces[0].StateTime.After(traces[1].StateTime) {
			t.Error("trace state times must be non-decreasing")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestRollbackDiscardsTracesAndEvents(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	mb := newModule("testmodule", "master", 1, "c1")
	if _, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.CreateModule(mb)
	}); err != nil {
		t.Fatal(err)
	}

	boom := context.DeadlineExceeded
	events, err := store.WithSession(ctx, func(sess *Session) error {
		if err := sess.Transition(mb, StateFailed, "exploded"); err != nil {
			return err
		}
		return boom
	})
	if err == nil {
		t.Fatal("expected session error")
	}
	if events != nil {
		t.Error("rollback must discard staged events")
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		loaded, err := sess.ModuleByID(mb.ID)
		if err != nil {
			return err
		}
		if loaded.State != StateInit {
			t.Errorf("state leaked through rollback: %s", loaded.State)
		}
		traces, err := sess.ModuleTraces(mb.ID)
		if err != nil {
			return err
		}
		if len(traces) != 1 {
			t.Errorf("expected 1 trace after rollback, got %d", len(traces))
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionStampsCompletionAndStagesEvent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	mb := newModule("testmodule", "master", 1, "c1")
	if _, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.CreateModule(mb)
	}); err != nil {
		t.Fatal(err)
	}

	events, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.Transition(mb, StateFailed, "component tangerine failed")
	})
	if err != nil {
		t.Fatal(err)
	}
	if mb.TimeCompleted == nil {
		t.Error("failed transition must set completion time")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 staged event, got %d", len(events))
	}
	msc, ok := events[0].(*messaging.ModuleStateChanged)
	if !ok {
		t.Fatalf("expected ModuleStateChanged, got %T", events[0])
	}
	if msc.ModuleBuildID != mb.ID || msc.State != int(StateFailed) {
		t.Errorf("unexpected staged event: %+v", msc)
	}
}

func TestComponentTraceCarriesTaskID(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	mb := newModule("testmodule", "master", 1, "c1")
	cb := &ComponentBuild{Package: "tangerine", Format: "rpms", Batch: 2}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		if err := sess.CreateModule(mb); err != nil {
			return err
		}
		cb.ModuleID = mb.ID
		return sess.CreateComponent(cb)
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		cb.TaskID = 90276228
		cb.SetState(builder.TaskStateBuilding)
		return sess.SaveComponent(cb)
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		traces, err := sess.ComponentTraces(cb.ID)
		if err != nil {
			return err
		}
		if len(traces) != 2 {
			t.Fatalf("expected 2 traces, got %d", len(traces))
		}
		if traces[0].State != nil {
			t.Error("first trace must record the unsubmitted state")
		}
		last := traces[1]
		if last.State == nil || builder.TaskState(*last.State) != builder.TaskStateBuilding {
			t.Error("second trace must record BUILDING")
		}
		if last.TaskID != 90276228 {
			t.Errorf("trace task id = %d", last.TaskID)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestBatchQueries(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	mb := newModule("testmodule", "master", 1, "c1")
	if _, err := store.WithSession(ctx, func(sess *Session) error {
		if err := sess.CreateModule(mb); err != nil {
			return err
		}
		comps := []*ComponentBuild{
			{ModuleID: mb.ID, Package: "module-build-macros", Batch: 1},
			{ModuleID: mb.ID, Package: "perl-Tangerine", Batch: 2},
			{ModuleID: mb.ID, Package: "tangerine", Batch: 3},
			{ModuleID: mb.ID, Package: "zzz", Batch: 3},
		}
		comps[0].SetState(builder.TaskStateComplete)
		comps[0].NVR = "module-build-macros-0.1-1"
		comps[1].SetState(builder.TaskStateBuilding)
		for _, c := range comps {
			if err := sess.CreateComponent(c); err != nil {
				return err
			}
		}
		mb.Batch = 2
		return sess.SaveModule(mb)
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		current, err := sess.CurrentBatch(mb)
		if err != nil {
			return err
		}
		if len(current) != 1 || current[0].Package != "perl-Tangerine" {
			t.Errorf("unexpected current batch: %+v", current)
		}

		building, err := sess.CurrentBatch(mb, TaskStateFilter(builder.TaskStateBuilding))
		if err != nil {
			return err
		}
		if len(building) != 1 {
			t.Errorf("expected 1 building component, got %d", len(building))
		}

		upTo, err := sess.UpToCurrentBatch(mb)
		if err != nil {
			return err
		}
		if len(upTo) != 2 {
			t.Errorf("expected 2 components up to batch 2, got %d", len(upTo))
		}

		unsubmitted, err := sess.UpToCurrentBatch(mb, Unsubmitted)
		if err != nil {
			return err
		}
		if len(unsubmitted) != 0 {
			t.Errorf("expected no unsubmitted components up to batch 2, got %d", len(unsubmitted))
		}

		last, err := sess.LastBatchID(mb)
		if err != nil {
			return err
		}
		if last != 3 {
			t.Errorf("expected last batch 3, got %d", last)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSiblings(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	a := newModule("testmodule", "master", 1, "c1")
	b := newModule("testmodule", "master", 1, "c2")
	other := newModule("testmodule", "master", 2, "c1")

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		for _, m := range []*ModuleBuild{a, b, other} {
			if err := sess.CreateModule(m); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		ids, err := sess.Siblings(a)
		if err != nil {
			return err
		}
		if len(ids) != 1 || ids[0] != b.ID {
			t.Errorf("unexpected siblings: %v", ids)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestFromTagEvent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	mb := newModule("testmodule", "master", 1, "c1")
	mb.State = StateBuild
	mb.KojiTag = "module-testmodule-master-1-c1"

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.CreateModule(mb)
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		got, err := sess.FromTagEvent("module-testmodule-master-1-c1-build")
		if err != nil {
			return err
		}
		if got == nil || got.ID != mb.ID {
			t.Errorf("unexpected module: %+v", got)
		}

		// The bare tag correlates too.
		bare, err := sess.FromTagEvent("module-testmodule-master-1-c1")
		if err != nil {
			return err
		}
		if bare == nil || bare.ID != mb.ID {
			t.Errorf("unexpected module for bare tag: %+v", bare)
		}

		none, err := sess.FromTagEvent("some-other-tag-build")
		if err != nil {
			return err
		}
		if none != nil {
			t.Error("expected no match for foreign tag")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestLastBuildInStream(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	old := newModule("testmodule", "master", 1, "c1")
	old.State = StateReady
	newer := newModule("testmodule", "master", 2, "c1")
	newer.State = StateReady
	failed := newModule("testmodule", "master", 3, "c1")
	failed.State = StateFailed
	otherStream := newModule("testmodule", "f29", 9, "c1")
	otherStream.State = StateReady

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		for _, m := range []*ModuleBuild{old, newer, failed, otherStream} {
			if err := sess.CreateModule(m); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		got, err := sess.LastBuildInStream("testmodule", "master")
		if err != nil {
			return err
		}
		if got == nil || got.Version != 2 {
			t.Errorf("expected version 2, got %+v", got)
		}

		all, err := sess.LastBuildsInAllStreams("testmodule")
		if err != nil {
			return err
		}
		if len(all) != 2 {
			t.Errorf("expected builds in 2 streams, got %d", len(all))
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestPreviousNonFailedState(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	mb := newModule("testmodule", "master", 1, "c1")
	if _, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.CreateModule(mb)
	}); err != nil {
		t.Fatal(err)
	}
	for _, step := range []struct {
		state  ModuleState
		reason string
	}{
		{StateWait, ""},
		{StateBuild, ""},
		{StateFailed, "component failed"},
	} {
		if _, err := store.WithSession(ctx, func(sess *Session) error {
			return sess.Transition(mb, step.state, step.reason)
		}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		prev, err := sess.PreviousNonFailedState(mb.ID)
		if err != nil {
			return err
		}
		if prev != StateBuild {
			t.Errorf("expected previous state build, got %s", prev)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestNSVCUniqueness(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	if _, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.CreateModule(newModule("testmodule", "master", 1, "c1"))
	}); err != nil {
		t.Fatal(err)
	}

	_, err := store.WithSession(ctx, func(sess *Session) error {
		return sess.CreateModule(newModule("testmodule", "master", 1, "c1"))
	})
	if err == nil {
		t.Error("expected unique constraint violation for duplicate NSVC")
	}
}
