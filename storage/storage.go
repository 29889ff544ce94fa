// Package storage provides the named, append-only backing store the engine
// uses for snapshot persistence. It knows nothing about Model/Command types:
// callers hand it already-encoded bytes (produced by package serializer) and
// get them back unchanged. The companion package journal owns the actual
// command log; Storage only owns the snapshot "head".
package storage

import "errors"

// ErrIncompatibleStorage is returned by VerifyCanLoad when the location
// exists but was not created by this package, or was created by an
// incompatible format version.
var ErrIncompatibleStorage = errors.New("storage: incompatible or foreign storage location")

// ErrAlreadyExists is returned by Create when the location is already
// populated.
var ErrAlreadyExists = errors.New("storage: location already exists")

// ErrNoSnapshot is returned by MostRecentSnapshot when the location has
// never had a snapshot written to it.
var ErrNoSnapshot = errors.New("storage: no snapshot present")

// SegmentID identifies a journal segment. Segment numbering starts at 0 and
// increases by one on every rotation.
type SegmentID uint64

// SnapshotMeta describes a persisted snapshot without its payload.
type SnapshotMeta struct {
	// Name is the free-form, caller-supplied snapshot name ("" or "auto"
	// are both valid).
	Name string
	// Segment is the journal segment recovery should resume replay from:
	// the segment created by the journal rotation immediately following
	// the write (segment 0 for the initial snapshot).
	Segment SegmentID
}

// Storage is the collaborator the engine uses to persist and retrieve
// snapshots. Implementations must make WriteSnapshot atomic: a snapshot must
// never be observable mid-write, so that a crash leaves the previous
// snapshot (if any) intact.
type Storage interface {
	// Exists reports whether this location has already been initialized
	// (by Create or a prior engine run).
	Exists() bool

	// CanCreate reports whether Create is safe to call: the location is
	// absent or an empty, creatable directory.
	CanCreate() bool

	// VerifyCanLoad validates that an existing location is compatible
	// with this Storage implementation, returning ErrIncompatibleStorage
	// otherwise.
	VerifyCanLoad() error

	// Create writes the very first snapshot (tagged with segment 0) and
	// marks the location as initialized. It fails with ErrAlreadyExists
	// if the location is already populated.
	Create(initial []byte) error

	// MostRecentSnapshot returns the most recently completed snapshot and
	// its metadata. It returns ErrNoSnapshot (not an error wrapping a
	// missing file) when no snapshot has ever been written, in which case
	// callers should resume the journal from segment 0.
	MostRecentSnapshot() ([]byte, SnapshotMeta, error)

	// WriteSnapshot durably and atomically persists data as the new
	// snapshot "head", tagged with segment. It must not be observable
	// until the write is complete.
	WriteSnapshot(data []byte, name string, segment SegmentID) error

	// Close releases any resources held by the storage implementation.
	Close() error
}
