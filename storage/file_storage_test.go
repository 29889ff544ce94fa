package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateThenMostRecentSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "loc")
	s := NewFileStorage(dir)

	if !s.CanCreate() {
		t.Fatal("CanCreate: want true for fresh location")
	}
	if err := s.Create([]byte("initial-state")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !s.Exists() {
		t.Fatal("Exists: want true after Create")
	}
	if err := s.VerifyCanLoad(); err != nil {
		t.Fatalf("VerifyCanLoad: %v", err)
	}

	data, meta, err := s.MostRecentSnapshot()
	if err != nil {
		t.Fatalf("MostRecentSnapshot: %v", err)
	}
	if string(data) != "initial-state" {
		t.Fatalf("data: got %q", data)
	}
	if meta.Segment != 0 {
		t.Fatalf("segment: got %d, want 0", meta.Segment)
	}
}

func TestCreateTwiceFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "loc")
	s := NewFileStorage(dir)
	if err := s.Create([]byte("a")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create([]byte("b")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
	}
}

func TestWriteSnapshotPicksLatestBySegment(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "loc")
	s := NewFileStorage(dir)
	if err := s.Create([]byte("v0")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.WriteSnapshot([]byte("v1"), "auto", 1); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if err := s.WriteSnapshot([]byte("v2"), "auto", 2); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	data, meta, err := s.MostRecentSnapshot()
	if err != nil {
		t.Fatalf("MostRecentSnapshot: %v", err)
	}
	if string(data) != "v2" || meta.Segment != 2 {
		t.Fatalf("got data=%q segment=%d, want v2/2", data, meta.Segment)
	}
}

func TestMostRecentSnapshotOnAbsentLocation(t *testing.T) {
	s := NewFileStorage(filepath.Join(t.TempDir(), "never-created"))
	if _, _, err := s.MostRecentSnapshot(); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("MostRecentSnapshot: got %v, want ErrNoSnapshot", err)
	}
}

func TestMostRecentSnapshotOnEmptyLocation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "loc")
	s := NewFileStorage(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, _, err := s.MostRecentSnapshot(); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("MostRecentSnapshot: got %v, want ErrNoSnapshot", err)
	}
}
