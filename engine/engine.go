// Package engine composes the lock, serializer, storage, journal, and
// authorizer collaborators into the prevalent-system execution pipeline:
// restore on open, authorize→clone→lock→execute→journal on write, and
// authorize→lock→execute→clone on read.
//
// The package is deliberately agnostic about what a Model, Command, or
// Query actually does: it only calls the methods in Command and Query, and
// (when present) the optional lifecycle hooks on Model. All mutation
// happens inside caller-supplied code; the engine's job is solely to make
// that mutation durable, ordered, and safely concurrent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/tienpsm/prevaldb/auth"
	"github.com/tienpsm/prevaldb/journal"
	"github.com/tienpsm/prevaldb/lock"
	"github.com/tienpsm/prevaldb/serializer"
	"github.com/tienpsm/prevaldb/storage"
)

// Command is a deterministic, serializable mutation against a Model.
// Prepare runs under the upgrade lock and must not mutate the model; it
// exists to validate the command can succeed. Execute runs under the
// exclusive write lock and performs the actual mutation; given a
// successful Prepare it must be total (it may still fail, but any failure
// there triggers rollback-by-reload). Redo is called instead of Execute
// during journal replay, so non-deterministic side effects (sending a
// notification, calling an external API) can be elided there.
type Command interface {
	Prepare(model any) error
	Execute(model any) (any, error)
	Redo(model any) error
}

// Query is a read-only function over the model. It never mutates the
// model and is never journaled.
type Query interface {
	Execute(model any) (any, error)
}

// SnapshotRestorer is an optional Model capability invoked immediately
// after the model is installed, whether it came from a fresh constructor or
// a loaded snapshot.
type SnapshotRestorer interface {
	SnapshotRestored()
}

// JournalRestorer is an optional Model capability invoked once, after all
// journal entries have been replayed against the restored model.
type JournalRestorer interface {
	JournalRestored()
}

// identityKey is the context key under which a caller Identity travels.
type identityKey struct{}

// WithIdentity returns a context carrying identity, for use as the ctx
// argument to Execute/ExecuteQuery. Establishing identity (who the caller
// is) is external to the engine; this is just the transport.
func WithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity previously attached with
// WithIdentity, or nil if none was attached.
func IdentityFromContext(ctx context.Context) auth.Identity {
	return ctx.Value(identityKey{})
}

// Error kinds. Engine operations wrap one of these with fmt.Errorf so
// callers can match with errors.Is while still seeing a descriptive
// message.
var (
	// ErrDisposed is returned by any operation issued after Close.
	ErrDisposed = errors.New("engine: disposed")
	// ErrUnauthorized is returned when the authorizer denies an operation.
	ErrUnauthorized = errors.New("engine: unauthorized")
	// ErrTimeout is returned when lock acquisition exceeds lockTimeout.
	ErrTimeout = lock.ErrTimeout
	// ErrCommandFailed wraps both user-signalled refusals (Prepare/Execute
	// returning an error built with Refuse) and engine-wrapped rollbacks
	// (Execute returning any other error, which triggers a full restore).
	ErrCommandFailed = errors.New("engine: command failed")
	// ErrNoInitialSnapshot is returned by Restore when storage has no
	// snapshot and no constructor was supplied to build one.
	ErrNoInitialSnapshot = errors.New("engine: no snapshot and no initial model constructor")
	// ErrReplayFailed is returned when a journaled command fails during
	// replay; this is always fatal to opening the engine.
	ErrReplayFailed = errors.New("engine: replay failed")
	// ErrJournalCorrupt is returned when interior (non-tail) journal
	// damage is detected during replay.
	ErrJournalCorrupt = journal.ErrCorrupt
	// ErrIncompatibleStorage is returned when the configured location
	// exists but was not created by this storage implementation.
	ErrIncompatibleStorage = storage.ErrIncompatibleStorage
)

// IsUserRefusal reports whether err was produced by Refuse (as opposed to
// being wrapped by the engine after an Execute error mid-mutation).
func IsUserRefusal(err error) bool {
	var uf *userFailure
	return errors.As(err, &uf)
}

type userFailure struct{ reason string }

func (f *userFailure) Error() string { return fmt.Sprintf("%s: %s", ErrCommandFailed, f.reason) }
func (f *userFailure) Unwrap() error { return ErrCommandFailed }

// Refuse is the canonical way for a Command to signal a clean refusal from
// Prepare or Execute: the model is guaranteed unmodified, so the engine
// surfaces the error unchanged instead of rolling back.
func Refuse(reason string) error {
	return &userFailure{reason: reason}
}

// Logger is the injectable logging capability the engine uses. A
// *logrus.Logger or *logrus.Entry satisfies it; tests and embedders can
// substitute anything with matching methods.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// SnapshotBehavior controls automatic snapshotting.
type SnapshotBehavior int

const (
	// SnapshotNone takes no automatic snapshots; the caller drives
	// CreateSnapshot explicitly.
	SnapshotNone SnapshotBehavior = iota
	// SnapshotAfterRestore takes one snapshot named "auto" immediately
	// after a successful open, once the engine can take the read lock.
	SnapshotAfterRestore
	// SnapshotOnShutdown takes one snapshot named "auto" during Close,
	// before the journal is sealed.
	SnapshotOnShutdown
)

// state is the engine's lifecycle state machine.
type state int32

const (
	stateConstructing state = iota
	stateRunning
	stateClosing
	stateClosed
)

// Engine composes the lock, serializer, storage, journal, and authorizer
// collaborators and owns the single live Model instance.
type Engine struct {
	cfg Config

	l      *lock.RWU
	ser    *serializer.Serializer
	store  storage.Storage
	jrnl   *journal.Journal
	logger Logger

	mu         sync.Mutex
	model      any
	authorizer auth.Authorizer
	st         state
}

// journalLoggerAdapter lets *logrus.Logger/Entry (or any Logger) satisfy
// journal.Logger without the journal package importing engine or logrus.
type journalLoggerAdapter struct{ l Logger }

func (a journalLoggerAdapter) Warnf(format string, args ...any) { a.l.Warnf(format, args...) }

func (e *Engine) stateLocked() state {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

func (e *Engine) setState(s state) {
	e.mu.Lock()
	e.st = s
	e.mu.Unlock()
}

func (e *Engine) checkDisposed() error {
	if e.stateLocked() == stateClosed {
		return ErrDisposed
	}
	return nil
}

// Load opens an existing engine location. It fails with
// ErrIncompatibleStorage if storage exists but was not created by this
// package, and with ErrNoInitialSnapshot if storage has never been
// initialized (use Create or LoadOrCreate for that).
func Load(cfg Config) (*Engine, error) {
	return open(cfg)
}

// Create requires that storage does not already exist, writes initial as
// the first snapshot, then opens it via Load.
func Create(initial any, cfg Config) (*Engine, error) {
	store, err := cfg.buildStorage()
	if err != nil {
		return nil, err
	}
	if !store.CanCreate() {
		_ = store.Close()
		return nil, fmt.Errorf("engine: create: %w", storage.ErrAlreadyExists)
	}

	ser := cfg.buildSerializer()
	data, err := ser.Serialize(&initial)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine: serializing initial model: %w", err)
	}
	if err := store.Create(data); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine: creating storage: %w", err)
	}
	if err := store.Close(); err != nil {
		return nil, fmt.Errorf("engine: closing storage after create: %w", err)
	}

	return Load(cfg)
}

// LoadOrCreate opens the location if it already exists, otherwise builds
// the initial model from constructor and creates it.
func LoadOrCreate(constructor func() any, cfg Config) (*Engine, error) {
	probe, err := cfg.buildStorage()
	if err != nil {
		return nil, err
	}
	exists := probe.Exists()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("engine: closing probe storage: %w", err)
	}

	if exists {
		return Load(cfg)
	}
	return Create(constructor(), cfg)
}

// LoadFor is Load with the location defaulted from prototype's type
// identity (see defaultLocationFor). prototype is only consulted for its
// dynamic type; the model actually installed comes from the snapshot on
// disk. An explicit WithLocation always wins.
func LoadFor(prototype any, cfg Config) (*Engine, error) {
	if cfg.location == "" {
		cfg.location = defaultLocationFor(prototype)
	}
	return Load(cfg)
}

// CreateFor is Create with the location defaulted from initial's type
// identity.
func CreateFor(initial any, cfg Config) (*Engine, error) {
	if cfg.location == "" {
		cfg.location = defaultLocationFor(initial)
	}
	return Create(initial, cfg)
}

// LoadOrCreateFor is LoadOrCreate with the location defaulted from the
// type identity of the model constructor builds. The constructor is
// invoked once up front to learn that type; it must therefore be cheap
// and side-effect free, which constructors passed to LoadOrCreate need to
// be anyway (on the load path their result is discarded).
func LoadOrCreateFor(constructor func() any, cfg Config) (*Engine, error) {
	if cfg.location == "" {
		cfg.location = defaultLocationFor(constructor())
	}
	return LoadOrCreate(constructor, cfg)
}

// defaultLocationFor derives a backing-store location from a model's type
// identity: the package-qualified type name becomes a directory under the
// working directory, so two engines for different model types never share
// a location by accident.
func defaultLocationFor(model any) string {
	t := reflect.TypeOf(model)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return filepath.Join(".", t.String())
}

// open implements the Constructing state: clone config, build
// collaborators, restore, resolve the authorizer, open the journal, and
// optionally take an AfterRestore snapshot.
func open(cfg Config) (*Engine, error) {
	cfg = cfg.clone() // the configuration snapshot is immutable from here on

	logger := cfg.logger()
	ser := cfg.buildSerializer()
	store, err := cfg.buildStorage()
	if err != nil {
		return nil, err
	}

	if store.Exists() {
		if err := store.VerifyCanLoad(); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	e := &Engine{
		cfg:    cfg,
		l:      cfg.buildLock(),
		ser:    ser,
		store:  store,
		logger: logger,
		st:     stateConstructing,
	}

	segment, err := e.restore()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	e.authorizer = auth.Resolve(e.model, cfg.buildAuthorizer())

	jrnl, err := journal.Open(cfg.journalDir(), ser, journalLoggerAdapter{logger})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine: opening journal: %w", err)
	}
	e.jrnl = jrnl

	// Advance past any segments already folded into the snapshot we just
	// restored from, so a subsequent rotation does not reuse a segment ID
	// that restore has already consumed.
	if err := e.catchUpSegment(segment); err != nil {
		_ = jrnl.Close()
		_ = store.Close()
		return nil, err
	}

	e.setState(stateRunning)

	if cfg.snapshotBehavior == SnapshotAfterRestore {
		// The open question in the design notes forbids a sleep-based
		// handshake: take the read lock synchronously, here, on the
		// calling goroutine before Load/Create/LoadOrCreate returns, so
		// there is no window where a caller's first command could race
		// the snapshot. The write to disk also happens inline, before
		// open returns.
		if err := e.createSnapshotLocked("auto"); err != nil {
			logger.Warnf("engine: AfterRestore snapshot failed: %v", err)
		}
	}

	return e, nil
}

// catchUpSegment seals and rotates the journal until its tail segment
// matches restoredSegment, for the rare case where a prior run wrote a
// snapshot and then crashed before CreateNextSegment created the segment
// that snapshot names: we must not start appending new commands into an
// earlier one.
func (e *Engine) catchUpSegment(restoredSegment storage.SegmentID) error {
	current, err := e.jrnl.CurrentSegment()
	if err != nil {
		return fmt.Errorf("engine: resolving current segment: %w", err)
	}
	for current < restoredSegment {
		next, err := e.jrnl.CreateNextSegment()
		if err != nil {
			return fmt.Errorf("engine: advancing to restored segment: %w", err)
		}
		current = next
	}
	return nil
}

// restore loads the snapshot (or builds one via
// constructor), install it, replay the journal, and invoke the lifecycle
// hooks. It runs before the engine is published, so no locking is needed.
func (e *Engine) restore() (storage.SegmentID, error) {
	data, meta, err := e.store.MostRecentSnapshot()
	if err != nil {
		if !errors.Is(err, storage.ErrNoSnapshot) {
			return 0, fmt.Errorf("engine: reading snapshot: %w", err)
		}
		if e.cfg.initialModel == nil {
			return 0, ErrNoInitialSnapshot
		}
		e.model = e.cfg.initialModel()
		meta.Segment = 0
	} else {
		var model any
		if err := e.ser.Deserialize(data, &model); err != nil {
			return 0, fmt.Errorf("engine: decoding snapshot: %w", err)
		}
		e.model = model
	}

	if r, ok := e.model.(SnapshotRestorer); ok {
		r.SnapshotRestored()
	}

	entries, err := journal.EntriesFromDir(e.cfg.journalDir(), meta.Segment, e.ser, journalLoggerAdapter{e.logger})
	if err != nil {
		return 0, fmt.Errorf("engine: reading journal for replay: %w", err)
	}
	for _, entry := range entries {
		cmd, ok := entry.Command.(Command)
		if !ok {
			return 0, fmt.Errorf("%w: entry %d is not a Command", ErrReplayFailed, entry.Sequence)
		}
		if err := cmd.Redo(e.model); err != nil {
			return 0, fmt.Errorf("%w: entry %d: %w", ErrReplayFailed, entry.Sequence, err)
		}
	}

	if r, ok := e.model.(JournalRestorer); ok {
		r.JournalRestored()
	}

	return meta.Segment, nil
}

// ExecuteQuery runs q against the model under the read lock, optionally
// cloning the result before returning it.
func (e *Engine) ExecuteQuery(ctx context.Context, q Query) (any, error) {
	if err := e.checkDisposed(); err != nil {
		return nil, err
	}
	opType := operationType(q)
	if !e.authorizer.Allows(opType, IdentityFromContext(ctx)) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, opType)
	}

	ticket, err := e.l.EnterRead(e.cfg.lockTimeout)
	if err != nil {
		if derr := e.checkDisposed(); derr != nil {
			return nil, derr
		}
		return nil, err
	}
	defer ticket.Exit()

	// Close may have torn the engine down while this call was blocked on
	// the lock.
	if err := e.checkDisposed(); err != nil {
		return nil, err
	}

	result, err := q.Execute(e.model)
	if err != nil {
		return nil, err
	}
	if e.cfg.cloneResults && result != nil {
		result, err = serializer.Clone(e.ser, result)
		if err != nil {
			return nil, fmt.Errorf("engine: cloning query result: %w", err)
		}
	}
	return result, nil
}

// Execute runs cmd against the model: authorize, optionally clone,
// Prepare under the upgrade lock, promote, Execute under the write lock,
// then append the accepted command to the journal.
func (e *Engine) Execute(ctx context.Context, cmd Command) (any, error) {
	if err := e.checkDisposed(); err != nil {
		return nil, err
	}
	opType := operationType(cmd)
	if !e.authorizer.Allows(opType, IdentityFromContext(ctx)) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, opType)
	}

	original := cmd
	if e.cfg.cloneCommands {
		cloned, err := serializer.Clone[Command](e.ser, cmd)
		if err != nil {
			return nil, fmt.Errorf("engine: cloning command: %w", err)
		}
		cmd = cloned
	}

	ticket, err := e.l.EnterUpgrade(e.cfg.lockTimeout)
	if err != nil {
		if derr := e.checkDisposed(); derr != nil {
			return nil, derr
		}
		return nil, err
	}
	defer ticket.Exit()

	// Close may have torn the engine down while this call was blocked on
	// the lock.
	if err := e.checkDisposed(); err != nil {
		return nil, err
	}

	if err := cmd.Prepare(e.model); err != nil {
		return nil, e.failCommand(err)
	}

	if err := ticket.Promote(e.cfg.lockTimeout); err != nil {
		if derr := e.checkDisposed(); derr != nil {
			return nil, derr
		}
		return nil, err
	}

	result, err := cmd.Execute(e.model)
	if err != nil {
		return nil, e.rollbackAndFail(err)
	}

	if e.cfg.cloneResults && result != nil {
		result, err = serializer.Clone(e.ser, result)
		if err != nil {
			return nil, fmt.Errorf("engine: cloning command result: %w", err)
		}
	}

	seq, err := e.jrnl.Append(original)
	if err != nil {
		return nil, fmt.Errorf("engine: appending to journal: %w", err)
	}
	e.logger.Debugf("engine: journaled %s at sequence %d", opType, seq)

	return result, nil
}

// failCommand classifies a Prepare failure: a refusal
// raised via Refuse surfaces unchanged (no mutation happened yet,
// since we are still in Prepare), everything else is an engine error.
func (e *Engine) failCommand(err error) error {
	if IsUserRefusal(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCommandFailed, err)
}

// rollbackAndFail handles an Execute failure by reload: if
// Execute signalled a clean refusal, nothing was mutated (by Command
// contract) so no rollback is needed and the error surfaces unchanged.
// Any other error may have left the model partially mutated, so the live
// model is discarded and rebuilt from the latest durable snapshot plus
// journal replay (restore never replays the failing command, since it was
// never appended).
func (e *Engine) rollbackAndFail(cause error) error {
	if IsUserRefusal(cause) {
		return cause
	}

	if _, err := e.restore(); err != nil {
		// The engine can no longer guarantee pre-command state; surface both failures so
		// the operator can investigate, and treat the engine as broken.
		e.logger.Errorf("engine: rollback restore failed, engine is now disposed: %v", err)
		e.setState(stateClosed)
		return fmt.Errorf("%w: rollback also failed: %v (original cause: %v)", ErrCommandFailed, err, cause)
	}
	e.logger.Warnf("engine: command failed mid-execute, rolled back by reload: %v", cause)
	return fmt.Errorf("%w: state rolled back: %v", ErrCommandFailed, cause)
}

// CreateSnapshot acquires the read lock so the model
// cannot change mid-serialize, write the snapshot, then rotate the journal
// to a fresh segment before releasing.
func (e *Engine) CreateSnapshot(name string) error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	return e.createSnapshotLocked(name)
}

func (e *Engine) createSnapshotLocked(name string) error {
	ticket, err := e.l.EnterRead(e.cfg.lockTimeout)
	if err != nil {
		if derr := e.checkDisposed(); derr != nil {
			return derr
		}
		return err
	}
	defer ticket.Exit()

	if err := e.checkDisposed(); err != nil {
		return err
	}

	data, err := e.ser.Serialize(&e.model)
	if err != nil {
		return fmt.Errorf("engine: serializing snapshot: %w", err)
	}

	current, err := e.jrnl.CurrentSegment()
	if err != nil {
		return fmt.Errorf("engine: resolving current segment: %w", err)
	}
	next := current + 1

	if err := e.store.WriteSnapshot(data, name, next); err != nil {
		return fmt.Errorf("engine: writing snapshot: %w", err)
	}
	if got, err := e.jrnl.CreateNextSegment(); err != nil {
		return fmt.Errorf("engine: rotating journal after snapshot: %w", err)
	} else if got != next {
		return fmt.Errorf("engine: journal rotated to segment %d, snapshot expected %d", got, next)
	}
	e.logger.Debugf("engine: snapshot %q written, journal rotated to segment %d", name, next)
	return nil
}

// Close implements the Closing state: take the upgrade slot, optionally
// snapshot while readers drain naturally, promote to exclusive, then seal
// the journal and close storage. Close is idempotent: a second call returns
// nil. All other operations after Close fail with ErrDisposed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.st == stateClosed || e.st == stateClosing {
		e.mu.Unlock()
		return nil
	}
	e.st = stateClosing
	e.mu.Unlock()

	var result *multierror.Error

	// Hold the lock across the entire teardown so no in-flight operation can
	// reach the journal or storage while they are being sealed. The shutdown
	// snapshot happens while only the upgrade slot is held — readers keep
	// running, and the slot alone already excludes any new writer — then the
	// ticket is promoted to exclusive just before the journal is sealed.
	ticket, err := e.l.EnterUpgrade(e.cfg.lockTimeout)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("engine: acquiring upgrade for close: %w", err))
	} else {
		if e.cfg.snapshotBehavior == SnapshotOnShutdown {
			if err := e.snapshotUnderUpgradeLock("auto"); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := ticket.Promote(e.cfg.lockTimeout); err != nil {
			result = multierror.Append(result, fmt.Errorf("engine: promoting to write for close: %w", err))
		}
	}

	if err := e.jrnl.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("engine: closing journal: %w", err))
	}
	if err := e.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("engine: closing storage: %w", err))
	}

	// Operations blocked on the lock during teardown wake only after the
	// disposed state is visible, so their post-acquisition re-check fails
	// with ErrDisposed instead of touching the sealed journal.
	e.setState(stateClosed)
	if ticket != nil {
		ticket.Exit()
	}
	return result.ErrorOrNil()
}

// snapshotUnderUpgradeLock is CreateSnapshot's body minus lock acquisition,
// used by Close while it holds the upgrade slot: no writer can mutate the
// model (a writer would need the slot first), readers are unaffected, and
// journal rotation is safe because only writers append.
func (e *Engine) snapshotUnderUpgradeLock(name string) error {
	data, err := e.ser.Serialize(&e.model)
	if err != nil {
		return fmt.Errorf("engine: serializing shutdown snapshot: %w", err)
	}
	current, err := e.jrnl.CurrentSegment()
	if err != nil {
		return fmt.Errorf("engine: resolving current segment: %w", err)
	}
	next := current + 1
	if err := e.store.WriteSnapshot(data, name, next); err != nil {
		return fmt.Errorf("engine: writing shutdown snapshot: %w", err)
	}
	if _, err := e.jrnl.CreateNextSegment(); err != nil {
		return fmt.Errorf("engine: rotating journal during shutdown: %w", err)
	}
	return nil
}

// operationType names the operation class an authorizer reasons about: the
// dynamic type of the Command or Query, stripped of its package path so
// policies read naturally ("Increment", not
// "github.com/tienpsm/prevaldb/demo.Increment").
func operationType(op any) string {
	t := reflect.TypeOf(op)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
