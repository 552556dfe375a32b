package job

import (
	"strings"
	"testing"
)

func TestNewIDRoundTripsOwner(t *testing.T) {
	for _, replica := range []string{"a", "bridge-a", "cloud_run-7f9c-xyz"} {
		id := NewID(replica)
		if !strings.HasPrefix(id, "j-"+replica+"-") {
			t.Errorf("NewID(%q) = %q, missing prefix", replica, id)
		}
		owner, ok := OwnerOf(id)
		if !ok || owner != replica {
			t.Errorf("OwnerOf(%q) = %q, %v; want %q", id, owner, ok, replica)
		}
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID("r")
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestOwnerOfRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"j-",
		"job-1",
		"x-bridge-a-3f2b8c1e-5d7a-4f0e-9c1b-2a6d8e4f7b90",
		"j--3f2b8c1e-5d7a-4f0e-9c1b-2a6d8e4f7b90",
		"j-bridge-a-not-a-uuid-at-all-but-36-chars-long",
		"j-bridge-a_3f2b8c1e-5d7a-4f0e-9c1b-2a6d8e4f7b90",
	}
	for _, id := range tests {
		if owner, ok := OwnerOf(id); ok {
			t.Errorf("OwnerOf(%q) = %q, true; want false", id, owner)
		}
	}
}
