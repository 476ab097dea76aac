package handlers

import (
	"context"
	"strings"

	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
)

// TagChanged flips the tagged flags of the matching component. Once no
// successful component up to the current batch remains untagged, the
// repo regeneration check runs.
func TagChanged(ctx context.Context, env *Env, sess *models.Session, ev messaging.Event) ([]messaging.Event, error) {
	tc := ev.(*messaging.TagChanged)

	mb, err := sess.FromTagEvent(tc.Tag)
	if err != nil {
		return nil, err
	}
	if mb == nil {
		env.Logger.Debug("Ignoring tag change for unknown tag", "tag", tc.Tag)
		return nil, nil
	}

	cb, err := sess.FromComponentNVR(tc.NVR, mb.ID)
	if err != nil {
		return nil, err
	}
	if cb == nil {
		env.Logger.Debug("Ignoring tag change for unknown artifact",
			"tag", tc.Tag, "nvr", tc.NVR)
		return nil, nil
	}

	if strings.HasSuffix(tc.Tag, "-build") {
		cb.Tagged = true
	} else {
		cb.TaggedInFinal = true
	}
	if err := sess.SaveComponent(cb); err != nil {
		return nil, err
	}
	env.Logger.Debug("Component tagged",
		"package", cb.Package, "nvr", cb.NVR, "tag", tc.Tag)

	// A tag can land while the batch is still building; regenerating
	// then would waste a round trip the repos handler ignores anyway.
	drained, err := batchDrained(sess, mb)
	if err != nil {
		return nil, err
	}
	if !drained {
		return nil, nil
	}
	return maybeRegenRepo(ctx, env, sess, mb)
}
