package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// formatVersion is bumped whenever the on-disk snapshot header layout
// changes incompatibly.
const formatVersion = 1

// markerFile names the small file that tags a directory as a valid
// FileStorage location.
const markerFile = "prevaldb.marker"

// snapshotMagic is written at the start of every snapshot file so corrupt or
// foreign files are rejected quickly.
var snapshotMagic = [8]byte{'P', 'V', 'D', 'B', 's', 'n', 'a', 'p'}

// FileStorage is the default Storage implementation: a plain directory
// holding snapshot-*.snap files plus a marker file. Snapshot writes go
// through a temp-then-rename so a crash mid-write can never corrupt or hide
// the previous snapshot.
type FileStorage struct {
	dir string
}

// NewFileStorage returns a FileStorage rooted at dir. dir is not created
// until Create is called.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

func (s *FileStorage) markerPath() string {
	return filepath.Join(s.dir, markerFile)
}

// Exists reports whether the location has been initialized.
func (s *FileStorage) Exists() bool {
	_, err := os.Stat(s.markerPath())
	return err == nil
}

// CanCreate reports whether the location is absent, or present but empty.
func (s *FileStorage) CanCreate() bool {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return os.IsNotExist(err)
	}
	return len(entries) == 0
}

// VerifyCanLoad checks the marker file's format version.
func (s *FileStorage) VerifyCanLoad() error {
	data, err := os.ReadFile(s.markerPath())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleStorage, err)
	}
	if len(data) != 4 || binary.BigEndian.Uint32(data) != formatVersion {
		return fmt.Errorf("%w: unexpected marker contents", ErrIncompatibleStorage)
	}
	return nil
}

// Create initializes the directory and writes the initial snapshot tagged
// with segment 0.
func (s *FileStorage) Create(initial []byte) error {
	if !s.CanCreate() {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("storage: creating location: %w", err)
	}

	var version [4]byte
	binary.BigEndian.PutUint32(version[:], formatVersion)
	if err := os.WriteFile(s.markerPath(), version[:], 0o644); err != nil {
		return fmt.Errorf("storage: writing marker: %w", err)
	}

	return s.WriteSnapshot(initial, "initial", 0)
}

// snapshotPath returns a unique path for a new snapshot file. Uniqueness
// comes from a uuid suffix rather than a timestamp alone, because two
// concurrent CreateSnapshot calls could otherwise land in the same
// nanosecond.
func (s *FileStorage) snapshotPath(segment SegmentID) string {
	return filepath.Join(s.dir, fmt.Sprintf("snapshot-%020d-%s.snap", segment, uuid.NewString()))
}

// WriteSnapshot writes data to a temp file, fsyncs it, then renames it into
// place so the new snapshot is never observable half-written.
func (s *FileStorage) WriteSnapshot(data []byte, name string, segment SegmentID) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("storage: creating location: %w", err)
	}
	dst := s.snapshotPath(segment)
	tmp := dst + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("storage: creating temp snapshot file: %w", err)
	}

	if err := writeHeader(f, name, segment); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: writing snapshot payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: syncing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: closing snapshot: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: publishing snapshot: %w", err)
	}
	return nil
}

func writeHeader(w io.Writer, name string, segment SegmentID) error {
	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return fmt.Errorf("storage: writing magic: %w", err)
	}
	var segBuf [8]byte
	binary.BigEndian.PutUint64(segBuf[:], uint64(segment))
	if _, err := w.Write(segBuf[:]); err != nil {
		return fmt.Errorf("storage: writing segment: %w", err)
	}
	if len(name) > 255 {
		name = name[:255]
	}
	if _, err := w.Write([]byte{byte(len(name))}); err != nil {
		return fmt.Errorf("storage: writing name length: %w", err)
	}
	if len(name) > 0 {
		if _, err := io.WriteString(w, name); err != nil {
			return fmt.Errorf("storage: writing name: %w", err)
		}
	}
	return nil
}

func readHeader(r io.Reader) (SnapshotMeta, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return SnapshotMeta{}, fmt.Errorf("storage: reading magic: %w", err)
	}
	if magic != snapshotMagic {
		return SnapshotMeta{}, fmt.Errorf("storage: bad snapshot magic")
	}
	var segBuf [8]byte
	if _, err := io.ReadFull(r, segBuf[:]); err != nil {
		return SnapshotMeta{}, fmt.Errorf("storage: reading segment: %w", err)
	}
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return SnapshotMeta{}, fmt.Errorf("storage: reading name length: %w", err)
	}
	nameBuf := make([]byte, lenBuf[0])
	if len(nameBuf) > 0 {
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return SnapshotMeta{}, fmt.Errorf("storage: reading name: %w", err)
		}
	}
	return SnapshotMeta{
		Name:    string(nameBuf),
		Segment: SegmentID(binary.BigEndian.Uint64(segBuf[:])),
	}, nil
}

// MostRecentSnapshot scans the directory for snapshot files and returns the
// one with the highest declared segment (ties broken by filename, which is
// sufficient since filenames embed the segment with fixed-width padding).
func (s *FileStorage) MostRecentSnapshot() ([]byte, SnapshotMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, SnapshotMeta{}, ErrNoSnapshot
		}
		return nil, SnapshotMeta{}, fmt.Errorf("storage: listing location: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "snapshot-") && strings.HasSuffix(name, ".snap") {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil, SnapshotMeta{}, ErrNoSnapshot
	}
	sort.Strings(candidates)
	latest := candidates[len(candidates)-1]

	f, err := os.Open(filepath.Join(s.dir, latest))
	if err != nil {
		return nil, SnapshotMeta{}, fmt.Errorf("storage: opening snapshot: %w", err)
	}
	defer f.Close()

	meta, err := readHeader(f)
	if err != nil {
		return nil, SnapshotMeta{}, err
	}
	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, SnapshotMeta{}, fmt.Errorf("storage: reading snapshot payload: %w", err)
	}
	return payload, meta, nil
}

// Close is a no-op for FileStorage; nothing is kept open between calls.
func (s *FileStorage) Close() error {
	return nil
}
