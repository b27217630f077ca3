package scope

import "testing"

func TestDerive(t *testing.T) {
	keys := Derive("default", Spec{"user_id": []string{"u1", "u2"}})
	want := map[Key]bool{
		Partition("default", "user:u1"): true,
		Partition("default", "user:u2"): true,
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestDeriveSingleString(t *testing.T) {
	keys := Derive("p1", Spec{"project_id": "proj-1"})
	if len(keys) != 1 || keys[0] != Partition("p1", "project:proj-1") {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestKeyPartitionAndRaw(t *testing.T) {
	k := Partition("default", "user:u1")
	if k.PartitionID() != "default" {
		t.Errorf("PartitionID() = %q", k.PartitionID())
	}
	if k.Raw() != "user:u1" {
		t.Errorf("Raw() = %q", k.Raw())
	}
}

func TestSetSubsetAndIntersect(t *testing.T) {
	a := NewSet([]Key{Partition("d", "user:u1"), Partition("d", "user:u2")})
	b := NewSet([]Key{Partition("d", "user:u1")})

	if !b.IsSubsetOf(a) {
		t.Error("expected b to be subset of a")
	}
	if a.IsSubsetOf(b) {
		t.Error("did not expect a to be subset of b")
	}
	if !a.Intersects(b) {
		t.Error("expected a and b to intersect")
	}

	c := NewSet([]Key{Partition("d", "user:u3")})
	if a.Intersects(c) {
		t.Error("did not expect a and c to intersect")
	}
}
