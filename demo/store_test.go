package demo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tienpsm/prevaldb/engine"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "loc")
	e, err := engine.Create(NewStore(), engine.NewConfig(engine.WithLocation(dir)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	})
	return e
}

func TestPutThenGet(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, &Put{Key: "a", Value: []byte("1")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := e.ExecuteQuery(ctx, Get{Key: "a"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.([]byte)) != "1" {
		t.Fatalf("got %q, want %q", got, "1")
	}
}

func TestDeleteThenGetFails(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, &Put{Key: "a", Value: []byte("1")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.Execute(ctx, &Delete{Key: "a"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.ExecuteQuery(ctx, Get{Key: "a"}); err == nil {
		t.Fatalf("Get after Delete: want error, got none")
	}
}

func TestDeleteUnknownKeyRefuses(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, &Delete{Key: "missing"})
	if err == nil {
		t.Fatalf("want refusal, got nil")
	}
	if !engine.IsUserRefusal(err) {
		t.Fatalf("want a user refusal, got %v", err)
	}
}

func TestScanPrefixOrdersAndExcludesDeleted(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	for _, k := range []string{"b/2", "a/1", "b/1", "c/1"} {
		if _, err := e.Execute(ctx, &Put{Key: k, Value: []byte("v")}); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}
	if _, err := e.Execute(ctx, &Delete{Key: "b/1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := e.ExecuteQuery(ctx, ScanPrefix{Prefix: "b/"})
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	keys := got.([]string)
	if len(keys) != 1 || keys[0] != "b/2" {
		t.Fatalf("got %v, want [b/2]", keys)
	}
}

func TestRestartReplaysCommands(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "loc")
	cfg := engine.NewConfig(engine.WithLocation(dir))
	ctx := context.Background()

	e1, err := engine.Create(NewStore(), cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e1.Execute(ctx, &Put{Key: "a", Value: []byte("1")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := engine.Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer e2.Close()

	got, err := e2.ExecuteQuery(ctx, Get{Key: "a"})
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got.([]byte)) != "1" {
		t.Fatalf("got %q, want %q", got, "1")
	}
}
