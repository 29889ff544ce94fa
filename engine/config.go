package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tienpsm/prevaldb/auth"
	"github.com/tienpsm/prevaldb/lock"
	"github.com/tienpsm/prevaldb/serializer"
	"github.com/tienpsm/prevaldb/storage"
)

// defaultLockTimeout is used when no WithLockTimeout option is supplied. A
// positive default (rather than "wait forever") means a wedged lock always
// eventually surfaces as Timeout instead of hanging callers indefinitely.
const defaultLockTimeout = 30 * time.Second

// Config is the engine's construction configuration. A Config is cloned by
// value at construction (see Config.clone) so later caller-side mutation of
// the Config passed to Load/Create/LoadOrCreate has no effect: this
// satisfies the engine's configuration-immutability contract.
type Config struct {
	location string

	cloneCommands    bool
	cloneResults     bool
	snapshotBehavior SnapshotBehavior
	lockTimeout      time.Duration

	initialModel func() any

	serializerFactory func() *serializer.Serializer
	storageFactory    func(location string) (storage.Storage, error)
	lockFactory       func() *lock.RWU
	authorizerFactory func() auth.Authorizer
	loggerFactory     func() Logger
}

// Option configures a Config. Options are applied in order, so a later
// option overrides an earlier one for the same field.
type Option func(*Config)

// NewConfig builds a Config from options, applying package defaults for
// anything not overridden.
func NewConfig(opts ...Option) Config {
	cfg := Config{
		lockTimeout:      defaultLockTimeout,
		snapshotBehavior: SnapshotNone,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLocation sets the backing-store identifier (a directory path for the
// default FileStorage). Mandatory unless a storageFactory captures its own
// location.
func WithLocation(location string) Option {
	return func(c *Config) { c.location = location }
}

// WithCloneCommands enables defensive cloning of each command before
// Execute, so in-command mutation cannot diverge the live copy from the one
// written to the journal.
func WithCloneCommands(enabled bool) Option {
	return func(c *Config) { c.cloneCommands = enabled }
}

// WithCloneResults enables deep-cloning of query/command return values
// before they reach the caller, preventing the caller from retaining a
// reference into live model state.
func WithCloneResults(enabled bool) Option {
	return func(c *Config) { c.cloneResults = enabled }
}

// WithSnapshotBehavior sets the automatic snapshot policy.
func WithSnapshotBehavior(b SnapshotBehavior) Option {
	return func(c *Config) { c.snapshotBehavior = b }
}

// WithLockTimeout sets the maximum wait on any lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Config) { c.lockTimeout = d }
}

// WithInitialModel supplies a constructor used by restore when storage has
// no snapshot yet. Create and LoadOrCreate do not need this (they populate
// storage up front), but a bare Load against a fresh, empty location does.
func WithInitialModel(constructor func() any) Option {
	return func(c *Config) { c.initialModel = constructor }
}

// WithSerializerFactory overrides how the engine builds its Serializer.
func WithSerializerFactory(factory func() *serializer.Serializer) Option {
	return func(c *Config) { c.serializerFactory = factory }
}

// WithStorageFactory overrides how the engine builds its Storage, given the
// configured location.
func WithStorageFactory(factory func(location string) (storage.Storage, error)) Option {
	return func(c *Config) { c.storageFactory = factory }
}

// WithLockFactory overrides how the engine builds its lock.RWU.
func WithLockFactory(factory func() *lock.RWU) Option {
	return func(c *Config) { c.lockFactory = factory }
}

// WithAuthorizerFactory overrides the default auth.Authorizer used when the
// model does not implement auth.ModelAuthorizer itself.
func WithAuthorizerFactory(factory func() auth.Authorizer) Option {
	return func(c *Config) { c.authorizerFactory = factory }
}

// WithLoggerFactory overrides the Logger the engine and its collaborators
// use. The default wraps logrus.StandardLogger().
func WithLoggerFactory(factory func() Logger) Option {
	return func(c *Config) { c.loggerFactory = factory }
}

// clone returns a value copy of c. Config holds only value fields and
// factory funcs (themselves treated as immutable callables), so a shallow
// copy is sufficient: nothing reachable from the clone is
// later mutated by the caller's original Config.
func (c Config) clone() Config {
	return c
}

func (c Config) buildSerializer() *serializer.Serializer {
	if c.serializerFactory != nil {
		return c.serializerFactory()
	}
	return serializer.New()
}

func (c Config) buildStorage() (storage.Storage, error) {
	if c.storageFactory != nil {
		return c.storageFactory(c.location)
	}
	if c.location == "" {
		return nil, fmt.Errorf("engine: location is required unless a storageFactory is configured")
	}
	return storage.NewFileStorage(c.snapshotDir()), nil
}

func (c Config) buildLock() *lock.RWU {
	if c.lockFactory != nil {
		return c.lockFactory()
	}
	return lock.New()
}

func (c Config) buildAuthorizer() auth.Authorizer {
	if c.authorizerFactory != nil {
		return c.authorizerFactory()
	}
	return auth.AllowAll{}
}

func (c Config) logger() Logger {
	if c.loggerFactory != nil {
		return c.loggerFactory()
	}
	return logrus.StandardLogger()
}

// snapshotDir and journalDir split the configured location into the two
// subdirectories FileStorage and journal.Journal each own, so a single
// location string is enough to configure both collaborators.
func (c Config) snapshotDir() string {
	return filepath.Join(c.location, "snapshots")
}

func (c Config) journalDir() string {
	return filepath.Join(c.location, "journal")
}
