// Package manager implements the resource-manager contract a connection pool
// needs for datastore connections: how to open one, how to probe one, and
// whether one is structurally broken.
package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/guileen/litepool/engine"
	"github.com/guileen/litepool/engine/errors"
	"github.com/guileen/litepool/logger"
)

// ValidationQuery is the liveness probe run by Validate.
const ValidationQuery = "SELECT * FROM 1"

// Opener opens a datastore handle for an engine address.
type Opener func(ctx context.Context, address string) (engine.Datastore, error)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for create diagnostics. Validation
// failures are logged as engine errors through the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithOpener replaces engine.Open.
func WithOpener(open Opener) Option {
	return func(m *Manager) {
		if open != nil {
			m.open = open
		}
	}
}

// Manager creates and validates connections to one target with one session.
// It holds no mutable state and is safe for concurrent use.
type Manager struct {
	target  Target
	session engine.Session
	open    Opener
	log     *slog.Logger
}

func newManager(target Target, session engine.Session, opts []Option) *Manager {
	m := &Manager{
		target:  target,
		session: session.Clone(),
		open:    engine.Open,
		log:     logger.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logger.Component("manager"), "target", target.Kind().String())
	return m
}

// ForMemory returns a manager whose connections each open a fresh in-memory datastore.
func ForMemory(session engine.Session, opts ...Option) *Manager {
	return newManager(memoryTarget(), session, opts)
}

// ForFile returns a manager for the datastore stored at path.
func ForFile(path string, session engine.Session, opts ...Option) *Manager {
	return newManager(fileTarget(path), session, opts)
}

// ForRemote returns a manager for a datastore served over the PostgreSQL wire
// protocol at endpoint ("host:port", optionally with a postgres:// scheme).
func ForRemote(endpoint string, session engine.Session, opts ...Option) *Manager {
	return newManager(remoteTarget(endpoint), session, opts)
}

// Target returns the manager's target.
func (m *Manager) Target() Target { return m.target }

// Address returns the engine address connections are opened with.
func (m *Manager) Address() string { return m.target.Address() }

// Session returns a copy of the session given to every connection.
func (m *Manager) Session() engine.Session { return m.session.Clone() }

// logContext tags ctx with the session scope and, when id is set, the
// connection id.
func (m *Manager) logContext(ctx context.Context, id string) context.Context {
	ctx = logger.WithContextValue(ctx, logger.NamespaceKey, m.session.Namespace)
	ctx = logger.WithContextValue(ctx, logger.DatabaseKey, m.session.Database)
	if id != "" {
		ctx = logger.WithContextValue(ctx, logger.ConnectionIDKey, id)
	}
	return ctx
}

func (m *Manager) debug(ctx context.Context, msg string, args ...any) {
	m.log.DebugContext(ctx, msg, append(logger.ExtractContextValues(ctx), args...)...)
}

// Create opens a new connection. Engine errors are returned unchanged.
func (m *Manager) Create(ctx context.Context) (*Connection, error) {
	address := m.target.Address()
	ds, err := m.open(ctx, address)
	if err != nil {
		m.debug(m.logContext(ctx, ""), "Failed to open datastore",
			logger.Operation("create"), logger.String("address", address), logger.ErrorField(err))
		return nil, err
	}

	conn := &Connection{
		id:        uuid.New(),
		address:   address,
		ds:        ds,
		session:   m.session.Clone(),
		createdAt: time.Now(),
	}
	m.debug(m.logContext(ctx, conn.id.String()), "Connection created",
		logger.Operation("create"), logger.String("address", address))
	return conn, nil
}

// Validate runs ValidationQuery on conn, non-strict and without variables.
// Only a failure of the call itself is reported; per-statement results are
// ignored.
func (m *Manager) Validate(ctx context.Context, conn *Connection) error {
	ctx = m.logContext(ctx, conn.id.String())
	if _, err := conn.Execute(ctx, ValidationQuery, nil, false); err != nil {
		errors.LogDebug(ctx, err)
		return err
	}
	return nil
}

// IsBroken always reports false. Liveness is left to Validate.
func (m *Manager) IsBroken(*Connection) bool {
	return false
}
