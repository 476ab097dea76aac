package expand

import (
	"context"
	"testing"

	"github.com/modularity/mbs/manifest"
	"github.com/modularity/mbs/mbserr"
	"github.com/modularity/mbs/models"
	"github.com/modularity/mbs/resolver"
)

func seedReady(t *testing.T, sess *models.Session, name, stream string, version int64, requires map[string][]string) {
	t.Helper()
	doc := &manifest.Document{Version: 2}
	doc.Data.Name = name
	doc.Data.Stream = stream
	doc.Data.Version = version
	doc.Data.Context = "00000000"
	if requires != nil {
		doc.SetRequires(requires)
	}
	data, err := doc.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	mb := &models.ModuleBuild{
		Name: name, Stream: stream, Version: version, Context: "00000000",
		State:    models.StateReady,
		KojiTag:  "module-" + name + "-" + stream,
		Modulemd: string(data),
	}
	if err := sess.CreateModule(mb); err != nil {
		t.Fatal(err)
	}
}

func inputDoc(buildrequires map[string][]string) *manifest.Document {
	doc := &manifest.Document{Version: 2}
	doc.Data.Name = "app"
	doc.Data.Stream = "master"
	doc.SetBuildRequires(buildrequires)
	doc.SetRequires(map[string][]string{"platform": {"f29"}})
	return doc
}

func withCatalogue(t *testing.T, seed func(*models.Session), fn func(*models.Session, resolver.Resolver)) {
	t.Helper()
	store, err := models.Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.WithSession(ctx, func(sess *models.Session) error {
		seed(sess)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.WithSession(ctx, func(sess *models.Session) error {
		fn(sess, resolver.NewDBResolver(nil))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestExpandSingleVariant(t *testing.T) {
	withCatalogue(t, func(sess *models.Session) {
		seedReady(t, sess, "platform", "f29", 3, nil)
	}, func(sess *models.Session, res resolver.Resolver) {
		doc := inputDoc(map[string][]string{"platform": {"f29"}})
		variants, err := Expand(sess, res, doc, Options{RaiseIfAmbiguous: true})
		if err != nil {
			t.Fatalf("Expand failed: %v", err)
		}
		if len(variants) != 1 {
			t.Fatalf("expected 1 variant, got %d", len(variants))
		}
		v := variants[0]
		if len(v.Data.Context) != 8 {
			t.Errorf("context hash must have 8 chars, got %q", v.Data.Context)
		}
		p, ok := v.Data.Pinned.BuildRequires["platform"]
		if !ok || p.Stream != "f29" || p.Version != 3 {
			t.Errorf("unexpected pinned platform: %+v", p)
		}
		if got := v.BuildRequires()["platform"]; len(got) != 1 || got[0] != "f29" {
			t.Errorf("buildrequires not pinned: %v", got)
		}
	})
}

func TestExpandAmbiguity(t *testing.T) {
	seed := func(sess *models.Session) {
		seedReady(t, sess, "gtk", "1", 1, nil)
		seedReady(t, sess, "gtk", "2", 1, nil)
		seedReady(t, sess, "foo", "1", 1, nil)
	}

	// Ambiguous without defaults.
	withCatalogue(t, seed, func(sess *models.Session, res resolver.Resolver) {
		doc := inputDoc(map[string][]string{"gtk": {"1", "2"}, "foo": {"1"}})
		_, err := Expand(sess, res, doc, Options{RaiseIfAmbiguous: true})
		if !mbserr.IsStreamAmbiguous(err) {
			t.Errorf("expected StreamAmbiguous, got %v", err)
		}
	})

	// Defaults disambiguate.
	withCatalogue(t, seed, func(sess *models.Session, res resolver.Resolver) {
		doc := inputDoc(map[string][]string{"gtk": {"1", "2"}, "foo": {"1"}})
		variants, err := Expand(sess, res, doc, Options{
			RaiseIfAmbiguous: true,
			DefaultStreams:   map[string]string{"gtk": "1"},
		})
		if err != nil {
			t.Fatalf("Expand failed: %v", err)
		}
		if len(variants) != 1 {
			t.Fatalf("expected 1 variant, got %d", len(variants))
		}
		if variants[0].Data.Pinned.BuildRequires["gtk"].Stream != "1" {
			t.Error("default stream not applied")
		}
	})

	// Ambiguity allowed: two variants with distinct contexts.
	withCatalogue(t, seed, func(sess *models.Session, res resolver.Resolver) {
		doc := inputDoc(map[string][]string{"gtk": {"1", "2"}})
		variants, err := Expand(sess, res, doc, Options{})
		if err != nil {
			t.Fatalf("Expand failed: %v", err)
		}
		if len(variants) != 2 {
			t.Fatalf("expected 2 variants, got %d", len(variants))
		}
		if variants[0].Data.Context == variants[1].Data.Context {
			t.Error("variants must have distinct contexts")
		}
	})
}

func TestExpandNegationAndEmptySet(t *testing.T) {
	seed := func(sess *models.Session) {
		seedReady(t, sess, "platform", "f28", 1, nil)
		seedReady(t, sess, "platform", "f29", 2, nil)
	}

	withCatalogue(t, seed, func(sess *models.Session, res resolver.Resolver) {
		doc := inputDoc(map[string][]string{"platform": {"-f28"}})
		variants, err := Expand(sess, res, doc, Options{RaiseIfAmbiguous: true})
		if err != nil {
			t.Fatalf("Expand failed: %v", err)
		}
		if variants[0].Data.Pinned.BuildRequires["platform"].Stream != "f29" {
			t.Error("negation must leave only f29")
		}
	})

	withCatalogue(t, seed, func(sess *models.Session, res resolver.Resolver) {
		doc := inputDoc(map[string][]string{"platform": {}})
		variants, err := Expand(sess, res, doc, Options{})
		if err != nil {
			t.Fatalf("Expand failed: %v", err)
		}
		if len(variants) != 2 {
			t.Errorf("empty stream set must expand to all streams, got %d variants", len(variants))
		}
	})
}

func TestExpandNoStreamsAvailable(t *testing.T) {
	withCatalogue(t, func(sess *models.Session) {}, func(sess *models.Session, res resolver.Resolver) {
		doc := inputDoc(map[string][]string{"platform": {}})
		_, err := Expand(sess, res, doc, Options{})
		if !mbserr.IsValidation(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestExpandPrunesInconsistentCandidates(t *testing.T) {
	withCatalogue(t, func(sess *models.Session) {
		seedReady(t, sess, "gtk", "1", 1, nil)
		seedReady(t, sess, "gtk", "2", 1, nil)
		// foo:1 runtime-requires gtk:1, so gtk:2 combinations die.
		seedReady(t, sess, "foo", "1", 1, map[string][]string{"gtk": {"1"}})
	}, func(sess *models.Session, res resolver.Resolver) {
		doc := inputDoc(map[string][]string{"gtk": {"1", "2"}, "foo": {"1"}})
		variants, err := Expand(sess, res, doc, Options{RaiseIfAmbiguous: true})
		if err != nil {
			t.Fatalf("Expand failed: %v", err)
		}
		if len(variants) != 1 {
			t.Fatalf("expected pruning to leave 1 variant, got %d", len(variants))
		}
		if variants[0].Data.Pinned.BuildRequires["gtk"].Stream != "1" {
			t.Error("surviving variant must pin gtk:1")
		}
	})
}

func TestExpandDeterminism(t *testing.T) {
	seed := func(sess *models.Session) {
		seedReady(t, sess, "gtk", "1", 1, nil)
		seedReady(t, sess, "gtk", "2", 1, nil)
		seedReady(t, sess, "foo", "1", 1, nil)
	}

	collect := func() []string {
		var contexts []string
		withCatalogue(t, seed, func(sess *models.Session, res resolver.Resolver) {
			doc := inputDoc(map[string][]string{"gtk": {"2", "1"}, "foo": {"1"}})
			variants, err := Expand(sess, res, doc, Options{})
			if err != nil {
				t.Fatalf("Expand failed: %v", err)
			}
			for _, v := range variants {
				contexts = append(contexts, v.Data.Context)
			}
		})
		return contexts
	}

	first := collect()
	second := collect()
	if len(first) != 2 || len(first) != len(second) {
		t.Fatalf("expected 2 variants both runs, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("contexts differ between runs: %v vs %v", first, second)
		}
	}
}

func TestComputeContextsOrderInsensitive(t *testing.T) {
	pinned := map[string]manifest.PinnedModule{
		"platform": {Stream: "f29", Version: 3, Context: "00000000"},
		"gtk":      {Stream: "1", Version: 1, Context: "00000000"},
	}
	br := map[string]string{"platform": "f29", "gtk": "1"}
	req := map[string]string{"platform": "f29"}

	a := ComputeContexts(br, pinned, req)
	b := ComputeContexts(br, pinned, req)
	if a != b {
		t.Error("context computation must be deterministic")
	}
	if len(a.Context) != 8 {
		t.Errorf("public context must have 8 chars: %q", a.Context)
	}

	// Changing the build deps changes build context but not runtime.
	pinned2 := map[string]manifest.PinnedModule{
		"platform": {Stream: "f29", Version: 3, Context: "00000000"},
		"gtk":      {Stream: "2", Version: 1, Context: "00000000"},
	}
	c := ComputeContexts(map[string]string{"platform": "f29", "gtk": "2"}, pinned2, req)
	if c.BuildContext == a.BuildContext {
		t.Error("build context must change with pinned deps")
	}
	if c.RuntimeContext != a.RuntimeContext {
		t.Error("runtime context must be unchanged")
	}
}

func TestGetPrefixedVersion(t *testing.T) {
	got, err := GetPrefixedVersion("f29", 20180205135154)
	if err != nil {
		t.Fatalf("GetPrefixedVersion failed: %v", err)
	}
	if got != 2920180205135154 {
		t.Errorf("expected 2920180205135154, got %d", got)
	}

	// Non-numeric base stream leaves the version alone.
	got, err = GetPrefixedVersion("rawhide", 42)
	if err != nil || got != 42 {
		t.Errorf("expected pass-through, got (%d, %v)", got, err)
	}

	// Overflow is rejected.
	if _, err := GetPrefixedVersion("f2929292929", 20180205135154); err == nil {
		t.Error("expected overflow error")
	}
}
