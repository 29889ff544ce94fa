// Package journal implements the command journal: an ordered, segmented,
// durable log of accepted commands, built from length-prefixed,
// bufio-buffered records with a CRC32 trailer on each one, so interior
// corruption can be told apart from a torn trailing write.
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tienpsm/prevaldb/storage"
)

// ErrCorrupt is returned when a segment contains a complete-but-invalid
// record (bad checksum or undecodable payload) anywhere before its true end.
// Unlike a torn tail, this is never silently tolerated.
var ErrCorrupt = fmt.Errorf("journal: corrupt entry")

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".log"

	// recordHeaderSize = 4 (payload length) + 8 (sequence).
	recordHeaderSize = 12
	crcSize          = 4

	defaultBufSize = 64 * 1024
)

// Codec is the narrow encode/decode capability the journal needs from a
// serializer. serializer.Serializer satisfies it structurally.
type Codec interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, out any) error
}

// Logger is the narrow logging capability the journal uses to report
// tolerated tail truncation. A nil Logger disables logging.
type Logger interface {
	Warnf(format string, args ...any)
}

// Entry is one decoded record read back from the journal.
type Entry struct {
	Sequence uint64
	Command  any
}

// Journal is a segmented, append-only, fsync-per-append command log.
//
// Every Append durably persists before returning (no batched background
// flush): the engine's write lock already serializes callers, so there is
// no throughput to gain by batching, and the engine's durability contract
// (a command is only ever journaled after it has already executed
// successfully) requires the append itself to be a hard durability
// barrier.
type Journal struct {
	dir    string
	codec  Codec
	logger Logger

	mu      sync.Mutex
	file    *os.File
	writer  writer
	nextSeq uint64
}

// writer is the minimal buffered-writer capability Journal needs; satisfied
// directly by *bufio.Writer.
type writer interface {
	Write(p []byte) (int, error)
	Flush() error
}

// Open opens the journal rooted at dir, truncating a torn trailing write on
// the current tail segment (if any) and positioning for further appends.
func Open(dir string, codec Codec, logger Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: creating location: %w", err)
	}

	tail, err := discoverTailSegment(dir)
	if err != nil {
		return nil, fmt.Errorf("journal: discovering tail segment: %w", err)
	}

	path := segmentPath(dir, tail)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("journal: reading tail segment: %w", err)
	}

	if len(data) > 0 {
		_, validLen, cerr := parseSegment(data, codec)
		if cerr != nil {
			return nil, fmt.Errorf("journal: tail segment %d: %w", tail, cerr)
		}
		if validLen < len(data) {
			if logger != nil {
				logger.Warnf("journal: truncating torn tail write in segment %d (%d of %d bytes valid)", tail, validLen, len(data))
			}
			if err := os.Truncate(path, int64(validLen)); err != nil {
				return nil, fmt.Errorf("journal: truncating torn tail: %w", err)
			}
		}
	}

	nextSeq, err := scanNextSequence(dir, tail, codec)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: opening tail segment for append: %w", err)
	}

	return &Journal{
		dir:     dir,
		codec:   codec,
		logger:  logger,
		file:    f,
		writer:  bufio.NewWriterSize(f, defaultBufSize),
		nextSeq: nextSeq,
	}, nil
}

// Append serializes cmd, assigns it the next sequence number, and durably
// writes it before returning.
func (j *Journal) Append(cmd any) (uint64, error) {
	// Encoding through &cmd keeps the interface wrapping, so the entry can
	// be decoded back into an `any` on replay.
	payload, err := j.codec.Serialize(&cmd)
	if err != nil {
		return 0, fmt.Errorf("journal: serializing command: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.nextSeq
	rec := encodeRecord(seq, payload)
	if _, err := j.writer.Write(rec); err != nil {
		return 0, fmt.Errorf("journal: writing record: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return 0, fmt.Errorf("journal: flushing record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: syncing record: %w", err)
	}
	j.nextSeq++
	return seq, nil
}

// CreateNextSegment seals the current tail segment and starts a new, empty
// one, returning its ID. It is called immediately after a successful
// snapshot write.
func (j *Journal) CreateNextSegment() (storage.SegmentID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return 0, fmt.Errorf("journal: flushing before rotation: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: syncing before rotation: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return 0, fmt.Errorf("journal: sealing segment: %w", err)
	}

	tail, err := discoverTailSegment(j.dir)
	if err != nil {
		return 0, fmt.Errorf("journal: discovering tail segment: %w", err)
	}
	next := tail + 1

	f, err := os.OpenFile(segmentPath(j.dir, next), os.O_APPEND|os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("journal: creating segment %d: %w", next, err)
	}
	j.file = f
	j.writer = bufio.NewWriterSize(f, defaultBufSize)
	return next, nil
}

// EntriesFrom returns every entry from segment `from` through the current
// tail, in order. It operates purely on the segment files on disk; the
// engine's restore uses the equivalent EntriesFromDir instead.
func (j *Journal) EntriesFrom(from storage.SegmentID) ([]Entry, error) {
	return readSegmentRange(j.dir, from, j.codec, j.logger)
}

// EntriesFromDir reads every entry from segment `from` through the current
// tail directly from dir, without requiring an open Journal. The engine
// uses this during restore, before a Journal has been (or needs to be)
// opened for the replay itself.
func EntriesFromDir(dir string, from storage.SegmentID, codec Codec, logger Logger) ([]Entry, error) {
	return readSegmentRange(dir, from, codec, logger)
}

// CurrentSegment reports the tail segment ID the journal is currently
// appending to.
func (j *Journal) CurrentSegment() (storage.SegmentID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return discoverTailSegment(j.dir)
}

// Close durably flushes and seals the current segment. Further use of the
// Journal after Close is undefined; the engine enforces the Disposed
// contract at a higher layer.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("journal: final flush: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("journal: final sync: %w", err)
	}
	return j.file.Close()
}

func segmentPath(dir string, id storage.SegmentID) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(id), segmentSuffix))
}

func discoverTailSegment(dir string) (storage.SegmentID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var max storage.SegmentID
	found := false
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		id := storage.SegmentID(n)
		if !found || id > max {
			max = id
			found = true
		}
	}
	return max, nil
}

// readSegmentRange reads segments [from, tail] in order. A torn tail is
// only tolerated on the true tail segment; any earlier, supposedly-sealed
// segment ending short or failing checksum is reported as ErrCorrupt.
func readSegmentRange(dir string, from storage.SegmentID, codec Codec, logger Logger) ([]Entry, error) {
	tail, err := discoverTailSegment(dir)
	if err != nil {
		return nil, fmt.Errorf("journal: discovering tail segment: %w", err)
	}

	var all []Entry
	for seg := from; seg <= tail; seg++ {
		data, err := os.ReadFile(segmentPath(dir, seg))
		if err != nil {
			if os.IsNotExist(err) && seg == tail {
				continue
			}
			return all, fmt.Errorf("journal: reading segment %d: %w", seg, err)
		}

		entries, validLen, cerr := parseSegment(data, codec)
		if cerr != nil {
			return all, fmt.Errorf("journal: segment %d: %w", seg, cerr)
		}
		if validLen < len(data) {
			if seg != tail {
				return all, fmt.Errorf("journal: segment %d ended short before its seal: %w", seg, ErrCorrupt)
			}
			if logger != nil {
				logger.Warnf("journal: ignoring torn tail write in segment %d during replay (%d of %d bytes valid)", seg, validLen, len(data))
			}
		}
		all = append(all, entries...)
	}
	return all, nil
}

// scanNextSequence returns one past the highest sequence number written
// anywhere in segments [0, tail] (0 when no entry exists yet), so Append can
// continue the monotonic sequence across restarts even when the new tail
// segment (created by a post-snapshot rotation) starts out empty.
func scanNextSequence(dir string, tail storage.SegmentID, codec Codec) (uint64, error) {
	var next uint64
	for seg := storage.SegmentID(0); seg <= tail; seg++ {
		data, err := os.ReadFile(segmentPath(dir, seg))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("journal: scanning segment %d: %w", seg, err)
		}
		entries, _, _ := parseSegment(data, codec)
		for _, e := range entries {
			if e.Sequence >= next {
				next = e.Sequence + 1
			}
		}
	}
	return next, nil
}

// parseSegment decodes every complete record in data, returning the byte
// offset through which data was valid. When the trailing bytes form an
// incomplete record (a torn write), validLen stops short of len(data) and
// no error is returned — callers decide whether that's tolerable based on
// whether this is the true tail segment.
func parseSegment(data []byte, codec Codec) ([]Entry, int, error) {
	var entries []Entry
	off := 0
	for {
		if off == len(data) {
			return entries, off, nil
		}
		if len(data)-off < recordHeaderSize {
			return entries, off, nil
		}

		header := data[off : off+recordHeaderSize]
		length := binary.BigEndian.Uint32(header[0:4])
		seq := binary.BigEndian.Uint64(header[4:12])

		need := recordHeaderSize + int(length) + crcSize
		if off+need > len(data) {
			return entries, off, nil
		}

		payload := data[off+recordHeaderSize : off+recordHeaderSize+int(length)]
		gotCRC := binary.BigEndian.Uint32(data[off+recordHeaderSize+int(length) : off+need])
		wantCRC := crc32.ChecksumIEEE(data[off+4 : off+recordHeaderSize+int(length)])
		if gotCRC != wantCRC {
			return entries, off, ErrCorrupt
		}

		var cmd any
		if err := codec.Deserialize(payload, &cmd); err != nil {
			return entries, off, fmt.Errorf("%w: decoding entry %d: %v", ErrCorrupt, seq, err)
		}

		entries = append(entries, Entry{Sequence: seq, Command: cmd})
		off += need
	}
}

func encodeRecord(seq uint64, payload []byte) []byte {
	rec := make([]byte, recordHeaderSize+len(payload)+crcSize)
	binary.BigEndian.PutUint32(rec[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(rec[4:12], seq)
	copy(rec[recordHeaderSize:recordHeaderSize+len(payload)], payload)
	crc := crc32.ChecksumIEEE(rec[4 : recordHeaderSize+len(payload)])
	binary.BigEndian.PutUint32(rec[recordHeaderSize+len(payload):], crc)
	return rec
}
