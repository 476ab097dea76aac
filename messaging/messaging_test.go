package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeBuildStateChange(t *testing.T) {
	data := []byte(`{"msg_id":"m1","task_id":90276228,"new_state":1,"name":"tangerine","version":"0.22","release":"3.module+f29"}`)

	ev, err := Normalize(SubjectBuildStateChange, data)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	csc, ok := ev.(*ComponentStateChanged)
	if !ok {
		t.Fatalf("expected ComponentStateChanged, got %T", ev)
	}
	if csc.TaskID != 90276228 {
		t.Errorf("expected task id 90276228, got %d", csc.TaskID)
	}
	if csc.NVR() != "tangerine-0.22-3.module+f29" {
		t.Errorf("unexpected NVR: %s", csc.NVR())
	}
}

func TestNormalizeDropsIncomplete(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
	}{
		{"build change without task id", SubjectBuildStateChange, `{"msg_id":"m1","new_state":1}`},
		{"repo done without tag", SubjectRepoDone, `{"msg_id":"m2"}`},
		{"tag change without nvr", SubjectTagChange, `{"msg_id":"m3","tag":"module-x-1-build"}`},
		{"module change without build id", SubjectModuleStateChange, `{"msg_id":"m4","new_state":2}`},
		{"foreign subject", "buildsys.rpm.sign", `{"msg_id":"m5"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(tt.subject, []byte(tt.data))
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if ev != nil {
				t.Errorf("expected drop, got %T", ev)
			}
		})
	}
}

func TestNormalizeMalformed(t *testing.T) {
	if _, err := Normalize(SubjectRepoDone, []byte("{not json")); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	events := []Event{
		&ComponentStateChanged{MsgID: "a", TaskID: 7, State: 1, Name: "pkg", Version: "1", Release: "2"},
		&RepoRegenerated{MsgID: "b", Tag: "module-x-1-c0ffee-build"},
		&TagChanged{MsgID: "c", Tag: "module-x-1-c0ffee", NVR: "pkg-1-2"},
		&ModuleStateChanged{MsgID: "d", ModuleBuildID: 3, State: 2},
	}

	for _, in := range events {
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal %T: %v", in, err)
		}
		out, err := Normalize(in.Subject(), data)
		if err != nil {
			t.Fatalf("normalize %T: %v", in, err)
		}
		if out == nil {
			t.Fatalf("event %T dropped", in)
		}
		if out.ID() != in.ID() {
			t.Errorf("msg id lost for %T: %s != %s", in, out.ID(), in.ID())
		}
	}
}

func TestMemTransportLoopback(t *testing.T) {
	ctx := context.Background()
	tr := NewMemTransport(8, nil)
	defer tr.Close()

	ch, err := tr.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	if err := tr.Publish(ctx, SubjectTagChange, &TagChanged{MsgID: "m1", Tag: "t-build", NVR: "pkg-1-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case ev := <-ch:
		tc, ok := ev.(*TagChanged)
		if !ok {
			t.Fatalf("expected TagChanged, got %T", ev)
		}
		if tc.Tag != "t-build" {
			t.Errorf("unexpected tag: %s", tc.Tag)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	msgs := tr.PublishedOn(SubjectTagChange)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(msgs))
	}
}

func TestMemTransportDropsForeign(t *testing.T) {
	ctx := context.Background()
	tr := NewMemTransport(8, nil)
	defer tr.Close()

	ch, err := tr.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Publish(ctx, "buildsys.rpm.sign", map[string]string{"msg_id": "x"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case ev := <-ch:
		t.Errorf("foreign message leaked: %T", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if len(tr.Published()) != 1 {
		t.Error("publish log should still record foreign subjects")
	}
}

func TestMemTransportInject(t *testing.T) {
	ctx := context.Background()
	tr := NewMemTransport(8, nil)
	defer tr.Close()

	ch, err := tr.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := &ModuleStateChanged{MsgID: NewMsgID(), ModuleBuildID: 12, State: 1}
	if err := tr.Inject(ctx, want); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.ID() != want.MsgID {
			t.Errorf("unexpected event id %s", ev.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestMemTransportClose(t *testing.T) {
	tr := NewMemTransport(8, nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Publish(context.Background(), SubjectRepoDone, &RepoRegenerated{MsgID: "m", Tag: "t"}); err == nil {
		t.Error("expected error publishing on closed transport")
	}
	// Double close is safe.
	if err := tr.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
