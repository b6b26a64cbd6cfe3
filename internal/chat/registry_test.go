package chat

import "testing"

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	c := conn("g1", "u1", "User One")

	r.Add(c)
	if got := r.Count("g1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	if !r.Remove(c) {
		t.Fatal("first remove should report removal")
	}
	if r.Remove(c) {
		t.Fatal("second remove must be a no-op")
	}
	if got := r.Count("g1"); got != 0 {
		t.Fatalf("count after remove = %d, want 0", got)
	}
}

func TestRegistryDropsEmptyGroups(t *testing.T) {
	r := NewRegistry()
	c := conn("g1", "u1", "User One")

	r.Add(c)
	r.Remove(c)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.groups["g1"]; ok {
		t.Fatal("empty group entry should be dropped")
	}
}

func TestRegistryTracksConnectionsByIdentity(t *testing.T) {
	r := NewRegistry()

	// Same user on two devices: two independent connections.
	phone := conn("g1", "u1", "User One")
	laptop := conn("g1", "u1", "User One")
	r.Add(phone)
	r.Add(laptop)

	if got := r.Count("g1"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	r.Remove(phone)
	if got := r.Count("g1"); got != 1 {
		t.Fatalf("count after removing one device = %d, want 1", got)
	}
	list := r.List("g1")
	if len(list) != 1 || list[0] != laptop {
		t.Fatal("laptop connection should remain")
	}
}

func TestRegistryGroupsAreIsolated(t *testing.T) {
	r := NewRegistry()
	r.Add(conn("g1", "u1", "User One"))
	r.Add(conn("g2", "u2", "User Two"))

	if got := r.Count("g1"); got != 1 {
		t.Fatalf("g1 count = %d, want 1", got)
	}
	if got := len(r.List("g2")); got != 1 {
		t.Fatalf("g2 list = %d, want 1", got)
	}
	if got := r.List("g3"); got != nil {
		t.Fatalf("unknown group should list nil, got %v", got)
	}
}
