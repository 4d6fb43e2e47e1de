package containerlookup

import (
	"reflect"
	"testing"
)

func TestLookup_TwoContainers(t *testing.T) {
	l := New([]string{"a", "b"})

	if got := l.Get(Hash([]string{"a", "b"})); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("a,b => %v", got)
	}
	if got := l.Get(Hash([]string{"b", "a"})); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Fatalf("b,a => %v", got)
	}
	if got := l.Get(Hash([]string{"a"})); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("a => %v", got)
	}
	if got := l.Get([32]byte{0xde, 0xad}); len(got) != 0 {
		t.Fatalf("unknown hash => %v, want empty", got)
	}
}

func TestLookup_EmptyConfig(t *testing.T) {
	l := New(nil)
	if got := l.Get(Hash([]string{"anything"})); len(got) != 0 {
		t.Fatalf("expected empty lookup, got %v", got)
	}
}

// Every permutation of every non-empty subset round-trips to the same set.
func TestLookup_AllPermutationsRoundTrip(t *testing.T) {
	ids := []string{"x", "y", "z"}
	l := New(ids)

	perms := [][]string{
		{"x"}, {"y"}, {"z"},
		{"x", "y"}, {"y", "x"}, {"x", "z"}, {"z", "x"}, {"y", "z"}, {"z", "y"},
		{"x", "y", "z"}, {"x", "z", "y"}, {"y", "x", "z"}, {"y", "z", "x"}, {"z", "x", "y"}, {"z", "y", "x"},
	}
	for _, perm := range perms {
		got := l.Get(Hash(perm))
		if !reflect.DeepEqual(got, perm) {
			t.Fatalf("perm %v => %v", perm, got)
		}
	}
}

func TestLookup_OrderMatters(t *testing.T) {
	l := New([]string{"a", "b"})
	ab := l.Get(Hash([]string{"a", "b"}))
	ba := l.Get(Hash([]string{"b", "a"}))
	if reflect.DeepEqual(ab, ba) {
		t.Fatal("expected different hashes for different orderings")
	}
}
