package auth

import "testing"

func TestAllowAllPermitsEverything(t *testing.T) {
	var a Authorizer = AllowAll{}
	if !a.Allows("Increment", "anyone") {
		t.Fatal("AllowAll denied an operation")
	}
	if !a.Allows("", nil) {
		t.Fatal("AllowAll denied an empty operation/nil identity")
	}
}

type denyWriters struct{}

func (denyWriters) Allows(operationType string, caller Identity) bool {
	return operationType != "Increment"
}

func TestResolvePrefersModelAuthorizer(t *testing.T) {
	got := Resolve(denyWriters{}, AllowAll{})
	if got.Allows("Increment", "x") {
		t.Fatal("Resolve did not pick up the model's own Authorizer")
	}
	if !got.Allows("GetN", "x") {
		t.Fatal("model authorizer unexpectedly denied a permitted op")
	}
}

type plainModel struct{ n int }

func TestResolveFallsBackWhenModelIsNotAnAuthorizer(t *testing.T) {
	got := Resolve(&plainModel{n: 1}, AllowAll{})
	if _, ok := got.(AllowAll); !ok {
		t.Fatalf("got %T, want fallback AllowAll", got)
	}
}
