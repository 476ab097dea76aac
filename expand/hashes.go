package expand

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/modularity/mbs/manifest"
	"github.com/modularity/mbs/models"
)

// Contexts are the three dependency hashes distinguishing variants of
// a module build, plus the short public discriminator.
type Contexts struct {
	RefBuildContext string
	BuildContext    string
	RuntimeContext  string
	// Context is the first 8 hex chars of a hash over build and
	// runtime contexts.
	Context string
}

func sha1Hex(s string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(s)))
}

// canonicalStreams renders a name->stream map as a sorted canonical
// string, insensitive to map iteration order.
func canonicalStreams(deps map[string]string) string {
	keys := make([]string, 0, len(deps))
	for name := range deps {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, name := range keys {
		parts = append(parts, name+":"+deps[name])
	}
	return strings.Join(parts, ";")
}

// canonicalPinned renders pinned buildrequires as a sorted canonical
// string over the full NSVC of each dependency.
func canonicalPinned(pinned map[string]manifest.PinnedModule) string {
	keys := make([]string, 0, len(pinned))
	for name := range pinned {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, name := range keys {
		p := pinned[name]
		parts = append(parts, fmt.Sprintf("%s:%s:%d:%s", name, p.Stream, p.Version, p.Context))
	}
	return strings.Join(parts, ";")
}

// ComputeContexts derives the context hashes for one pinned variant.
func ComputeContexts(buildrequires map[string]string, pinned map[string]manifest.PinnedModule, requires map[string]string) Contexts {
	buildCtx := sha1Hex(canonicalPinned(pinned))
	runtimeCtx := sha1Hex(canonicalStreams(requires))
	return Contexts{
		RefBuildContext: sha1Hex(canonicalStreams(buildrequires)),
		BuildContext:    buildCtx,
		RuntimeContext:  runtimeCtx,
		Context:         sha1Hex(buildCtx + ":" + runtimeCtx)[:8],
	}
}

// GetPrefixedVersion prefixes a module version with the base module's
// stream version, rejecting results that overflow 64 bits.
func GetPrefixedVersion(baseStream string, version int64) (int64, error) {
	prefix, ok := models.GetStreamVersion(baseStream, false)
	if !ok {
		return version, nil
	}
	combined := strconv.FormatInt(prefix, 10) + strconv.FormatInt(version, 10)
	n, err := strconv.ParseInt(combined, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("prefixed version %s overflows 64 bits", combined)
	}
	return n, nil
}
