// Package serializer provides the deep-clone and byte encode/decode
// primitive the engine uses for defensive copies, journal entries, and
// snapshots. It is deliberately generic: it knows nothing about Model,
// Command, or Query — only that the caller's value round-trips through
// encoding/gob.
//
// Concrete types that are stored behind an interface (every Command and
// Query passed to the engine is) must be registered once at program startup
// with Register, exactly as encoding/gob requires for any interface value.
// Forgetting to register a type surfaces as a encode/decode error, never as
// silent data loss.
package serializer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Serializer deep-clones and encodes arbitrary values. The zero value is
// ready to use; a single Serializer is safe for concurrent use because
// encoding/gob streams are built fresh per call.
type Serializer struct {
	// level controls the zstd compression level used for Write/Serialize.
	level zstd.EncoderLevel
}

// New returns a Serializer using the default zstd compression level.
func New() *Serializer {
	return &Serializer{level: zstd.SpeedDefault}
}

// NewWithLevel returns a Serializer using an explicit zstd compression
// level, letting callers trade CPU for snapshot size on large models.
func NewWithLevel(level zstd.EncoderLevel) *Serializer {
	return &Serializer{level: level}
}

// Register tells gob how to encode/decode a concrete type that will be
// carried behind a Model, Command, Query, or result interface value. It
// must be called once (e.g. in an init func) for every concrete type before
// that type is ever passed through Clone/Serialize/Write.
func Register(value any) {
	gob.Register(value)
}

// Write encodes v and writes the zstd-compressed result to w.
func (s *Serializer) Write(v any, w io.Writer) error {
	level := s.level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("serializer: opening zstd writer: %w", err)
	}

	if err := gob.NewEncoder(zw).Encode(v); err != nil {
		_ = zw.Close()
		return fmt.Errorf("serializer: encoding value: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("serializer: closing zstd writer: %w", err)
	}
	return nil
}

// Read decompresses r and decodes its contents into out, which must be a
// non-nil pointer.
func (s *Serializer) Read(r io.Reader, out any) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("serializer: opening zstd reader: %w", err)
	}
	defer zr.Close()

	if err := gob.NewDecoder(zr).Decode(out); err != nil {
		return fmt.Errorf("serializer: decoding value: %w", err)
	}
	return nil
}

// Serialize encodes v to a standalone byte slice.
func (s *Serializer) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Write(v, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decodes data into out, which must be a non-nil pointer.
func (s *Serializer) Deserialize(data []byte, out any) error {
	return s.Read(bytes.NewReader(data), out)
}

// Clone returns a deep copy of v obtained by round-tripping it through
// Serialize/Deserialize. It is total over anything gob can encode: plain
// structs, maps, slices, and registered interface values. v is encoded
// through a *T so that, when T is an interface type, gob records the
// concrete type name needed to decode it back into a T.
func Clone[T any](s *Serializer, v T) (T, error) {
	var zero T
	data, err := s.Serialize(&v)
	if err != nil {
		return zero, fmt.Errorf("serializer: clone: %w", err)
	}
	out := new(T)
	if err := s.Deserialize(data, out); err != nil {
		return zero, fmt.Errorf("serializer: clone: %w", err)
	}
	return *out, nil
}
