// Package demo provides a worked example Model/Command/Query set for
// package engine: a small key-value store, grounded on the record/tombstone
// shape of taitelee-kvstore's internal/kv package but stripped of that
// package's multi-node version-vector arbitration, which exists there to
// resolve concurrent writes from different nodes. The engine's single-writer
// discipline makes that arbitration unnecessary here: there is never
// more than one Command executing at a time, so a monotonic store-wide
// revision is enough to let a Query observe "did this write happen yet".
package demo

import "fmt"

// Record is the materialized state for one key. A deleted key keeps its
// Record (with Tombstone set) rather than being removed from Store.Data, so
// Delete-then-Get consistently reports absence without needing a second map.
type Record struct {
	Value     []byte
	Revision  uint64
	Tombstone bool
}

// IsDeleted reports whether this Record represents a logical delete.
func (r Record) IsDeleted() bool {
	return r.Tombstone
}

// Store is the engine Model: an in-memory key-value table.
type Store struct {
	Data map[string]Record
	// NextRevision is the revision the next Put or Delete will stamp its
	// Record with; it only ever increases, giving every write in this
	// store's lifetime (including across restarts, once replayed) a
	// distinct, increasing Revision.
	NextRevision uint64
}

// NewStore returns an empty Store, suitable as an engine's initial model or
// as the constructor passed to engine.LoadOrCreate.
func NewStore() any {
	return &Store{Data: make(map[string]Record)}
}

// SnapshotRestored and JournalRestored satisfy engine.SnapshotRestorer and
// engine.JournalRestorer. Store needs no deferred initialization once gob
// has populated Data and NextRevision, so both are no-ops kept only to
// document the capability a Model may implement.
func (s *Store) SnapshotRestored() {}
func (s *Store) JournalRestored() {}

func (s *Store) String() string {
	return fmt.Sprintf("Store{%d keys, next revision %d}", len(s.Data), s.NextRevision)
}
