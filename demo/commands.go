package demo

import (
	"fmt"
	"sort"

	"github.com/tienpsm/prevaldb/engine"
	"github.com/tienpsm/prevaldb/serializer"
)

func init() {
	serializer.Register(&Store{})
	serializer.Register(&Put{})
	serializer.Register(&Delete{})
}

// asStore recovers the concrete *Store from the opaque model handed to
// every Command/Query by the engine.
func asStore(model any) *Store {
	return model.(*Store)
}

// Put inserts or overwrites the value at Key.
type Put struct {
	Key   string
	Value []byte
}

func (c *Put) Prepare(model any) error {
	if c.Key == "" {
		return engine.Refuse("key must not be empty")
	}
	return nil
}

func (c *Put) Execute(model any) (any, error) {
	store := asStore(model)
	rev := store.NextRevision
	store.NextRevision++
	store.Data[c.Key] = Record{Value: c.Value, Revision: rev}
	return rev, nil
}

func (c *Put) Redo(model any) error {
	_, err := c.Execute(model)
	return err
}

// Delete marks Key as logically deleted. Deleting an already-absent or
// already-deleted key is a Prepare-time refusal rather than a mutation, so
// repeating a Delete never touches the model.
type Delete struct {
	Key string
}

func (c *Delete) Prepare(model any) error {
	rec, ok := asStore(model).Data[c.Key]
	if !ok || rec.IsDeleted() {
		return engine.Refuse(fmt.Sprintf("key %q does not exist", c.Key))
	}
	return nil
}

func (c *Delete) Execute(model any) (any, error) {
	store := asStore(model)
	rec := store.Data[c.Key]
	rec.Tombstone = true
	rec.Revision = store.NextRevision
	store.NextRevision++
	store.Data[c.Key] = rec
	return nil, nil
}

func (c *Delete) Redo(model any) error {
	_, err := c.Execute(model)
	return err
}

// Get reads the current value for Key, read-only and never journaled.
type Get struct {
	Key string
}

func (q Get) Execute(model any) (any, error) {
	rec, ok := asStore(model).Data[q.Key]
	if !ok || rec.IsDeleted() {
		return nil, fmt.Errorf("demo: key %q not found", q.Key)
	}
	return rec.Value, nil
}

// ScanPrefix lists every live key with the given prefix, in sorted order.
type ScanPrefix struct {
	Prefix string
}

func (q ScanPrefix) Execute(model any) (any, error) {
	store := asStore(model)
	var keys []string
	for k, rec := range store.Data {
		if rec.IsDeleted() {
			continue
		}
		if len(q.Prefix) > 0 && (len(k) < len(q.Prefix) || k[:len(q.Prefix)] != q.Prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
