package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tienpsm/prevaldb/serializer"
	"github.com/tienpsm/prevaldb/storage"
)

type testCommand struct {
	Value int
}

func init() {
	serializer.Register(testCommand{})
}

func newCodec() *serializer.Serializer {
	return serializer.New()
}

type warnLog struct {
	lines []string
}

func (w *warnLog) Warnf(format string, args ...any) {
	w.lines = append(w.lines, format)
}

func TestAppendAndEntriesFromRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := Open(dir, newCodec(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := j.Append(testCommand{Value: i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := readSegmentRange(dir, 0, newCodec(), nil)
	if err != nil {
		t.Fatalf("EntriesFrom: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		cmd, ok := e.Command.(testCommand)
		if !ok {
			t.Fatalf("entry %d: command has wrong type %T", i, e.Command)
		}
		if cmd.Value != i {
			t.Fatalf("entry %d: got value %d, want %d", i, cmd.Value, i)
		}
		if e.Sequence != uint64(i) {
			t.Fatalf("entry %d: got sequence %d, want %d", i, e.Sequence, i)
		}
	}
}

func TestCreateNextSegmentRotatesAndResumesSequence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := Open(dir, newCodec(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := j.Append(testCommand{Value: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	seg, err := j.CreateNextSegment()
	if err != nil {
		t.Fatalf("CreateNextSegment: %v", err)
	}
	if seg != 1 {
		t.Fatalf("got segment %d, want 1", seg)
	}
	if _, err := j.Append(testCommand{Value: 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Entries from segment 1 onward should only see the post-rotation
	// command, but its sequence must continue from where segment 0 left off.
	entries, err := readSegmentRange(dir, 1, newCodec(), nil)
	if err != nil {
		t.Fatalf("EntriesFrom(1): %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Sequence != 1 {
		t.Fatalf("got sequence %d, want 1 (continuing across the rotation)", entries[0].Sequence)
	}
}

func TestOpenTruncatesTornTailWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := Open(dir, newCodec(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j.Append(testCommand{Value: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := segmentPath(dir, 0)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening segment for torn write: %v", err)
	}
	// Write a header announcing a long payload that never arrives.
	var header [recordHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], 9999)
	binary.BigEndian.PutUint64(header[4:12], 1)
	if _, err := f.Write(header[:]); err != nil {
		t.Fatalf("writing torn header: %v", err)
	}
	if _, err := f.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("writing torn payload fragment: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing torn segment: %v", err)
	}

	stBefore, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	logger := &warnLog{}
	j2, err := Open(dir, newCodec(), logger)
	if err != nil {
		t.Fatalf("reopening with torn tail: %v", err)
	}
	defer j2.Close()

	if len(logger.lines) == 0 {
		t.Fatal("expected a warning about the truncated torn tail")
	}

	stAfter, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after reopen: %v", err)
	}
	if stAfter.Size() >= stBefore.Size() {
		t.Fatalf("expected file to shrink after truncation: before=%d after=%d", stBefore.Size(), stAfter.Size())
	}

	entries, err := readSegmentRange(dir, 0, newCodec(), nil)
	if err != nil {
		t.Fatalf("EntriesFrom after truncation: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries after truncation, want 1", len(entries))
	}
}

func TestInteriorCorruptionIsReported(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := Open(dir, newCodec(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j.Append(testCommand{Value: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := j.Append(testCommand{Value: 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := segmentPath(dir, 0)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	// Flip a byte in the middle of the first record's payload, leaving the
	// file length (and therefore the "is this a complete record" check)
	// unchanged, so this can only be detected by checksum.
	data[recordHeaderSize] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewriting corrupted segment: %v", err)
	}

	if _, err := readSegmentRange(dir, 0, newCodec(), nil); err == nil {
		t.Fatal("expected an error reading an interior-corrupted segment")
	}
}

func TestStorageSegmentIDAlias(t *testing.T) {
	var id storage.SegmentID = 3
	if segmentPath("/x", id) != filepath.Join("/x", "segment-00000000000000000003.log") {
		t.Fatalf("unexpected segment path: %s", segmentPath("/x", id))
	}
}
