package handlers

import (
	"context"
	"testing"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
)

func tagEvent(tag, nvr string) *messaging.TagChanged {
	return &messaging.TagChanged{MsgID: messaging.NewMsgID(), Tag: tag, NVR: nvr}
}

func TestTagChangeMidBatchSkipsRegen(t *testing.T) {
	ctx := context.Background()
	env, store, transport := testEnv(t)

	if _, err := store.WithSession(ctx, func(sess *models.Session) error {
		mb := seedBuild(t, sess, 1, models.StateBuild, "all", []seedComp{
			{MacrosPackage, "macros", 1, true},
			{"pkg-a", "ref1", 2, false},
			{"pkg-b", "ref1", 2, false},
			{"pkg-c", "ref1", 3, false},
		})
		mb.Batch = 2
		if err := sess.SaveModule(mb); err != nil {
			return err
		}

		comps, err := sess.ComponentsOfModule(mb.ID)
		if err != nil {
			return err
		}
		byPkg := map[string]*models.ComponentBuild{}
		for _, cb := range comps {
			byPkg[cb.Package] = cb
		}

		// pkg-a finished and sits in the build tag; pkg-b still builds.
		a := byPkg["pkg-a"]
		a.SetState(builder.TaskStateComplete)
		a.TaskID = 201
		a.NVR = "pkg-a-1.0-1"
		a.Tagged = true
		if err := sess.SaveComponent(a); err != nil {
			return err
		}
		b := byPkg["pkg-b"]
		b.SetState(builder.TaskStateBuilding)
		b.TaskID = 202
		if err := sess.SaveComponent(b); err != nil {
			return err
		}

		events, err := TagChanged(ctx, env, sess, tagEvent(mb.KojiTag, a.NVR))
		if err != nil {
			return err
		}
		if len(events) != 0 {
			t.Errorf("expected no events while the batch builds, got %d", len(events))
		}
		if got := len(transport.PublishedOn(messaging.SubjectRepoDone)); got != 0 {
			t.Errorf("regen requested with a component still building (%d repo events)", got)
		}
		current, err := sess.ModuleByID(mb.ID)
		if err != nil {
			return err
		}
		if current.NewRepoTaskID != 0 {
			t.Errorf("regen task %d recorded mid-batch", current.NewRepoTaskID)
		}

		// Draining the batch lets the same tag flow trigger the regen.
		b.SetState(builder.TaskStateComplete)
		b.NVR = "pkg-b-1.0-1"
		b.Tagged = true
		if err := sess.SaveComponent(b); err != nil {
			return err
		}
		if _, err := TagChanged(ctx, env, sess, tagEvent(mb.KojiTag, b.NVR)); err != nil {
			return err
		}
		if got := len(transport.PublishedOn(messaging.SubjectRepoDone)); got != 1 {
			t.Errorf("expected 1 regen request after the batch drained, got %d", got)
		}
		current, err = sess.ModuleByID(mb.ID)
		if err != nil {
			return err
		}
		if current.NewRepoTaskID == 0 {
			t.Error("regen task not recorded after the batch drained")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
