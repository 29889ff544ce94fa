package serializer

import (
	"testing"
)

type point struct {
	X, Y int
}

type withSlice struct {
	Name  string
	Items []point
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := New()
	want := withSlice{Name: "n", Items: []point{{1, 2}, {3, 4}}}

	data, err := s.Serialize(want)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var got withSlice
	if err := s.Deserialize(data, &got); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.Name != want.Name || len(got.Items) != len(want.Items) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want.Items {
		if got.Items[i] != want.Items[i] {
			t.Fatalf("item %d: got %+v, want %+v", i, got.Items[i], want.Items[i])
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := New()
	original := withSlice{Name: "orig", Items: []point{{1, 1}}}

	cloned, err := Clone(s, original)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	cloned.Items[0].X = 999
	cloned.Name = "mutated"

	if original.Items[0].X == 999 {
		t.Fatal("mutating the clone affected the original slice backing array")
	}
	if original.Name == "mutated" {
		t.Fatal("mutating the clone affected the original")
	}
}

func TestClonePrimitive(t *testing.T) {
	s := New()
	got, err := Clone(s, 42)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

type animal interface {
	Sound() string
}

type dog struct{ Name string }

func (d dog) Sound() string { return "woof" }

func init() {
	Register(dog{})
}

func TestCloneRegisteredInterfaceValue(t *testing.T) {
	s := New()
	var a animal = dog{Name: "Rex"}

	got, err := Clone(s, a)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if got.Sound() != "woof" {
		t.Fatalf("got sound %q, want woof", got.Sound())
	}
}
