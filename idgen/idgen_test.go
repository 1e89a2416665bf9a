package idgen

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewMintsValidUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("New() = %q, not uuid form: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("New() repeated %q", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7SortsByCreation(t *testing.T) {
	gen := UUIDv7()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = gen()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("v7 ids are not creation ordered")
	}
}

func TestPrefixedScopesRecordIDs(t *testing.T) {
	// The observability tables and the session store each get their own
	// id namespace on top of the shared generator.
	for _, prefix := range []string{"ses_", "evt_", "hb_", "hrl_"} {
		gen := Prefixed(prefix, Default)
		id := gen()
		if !strings.HasPrefix(id, prefix) {
			t.Errorf("Prefixed(%q) = %q", prefix, id)
		}
		if _, err := uuid.Parse(strings.TrimPrefix(id, prefix)); err != nil {
			t.Errorf("%q: suffix not uuid form: %v", id, err)
		}
	}
}
