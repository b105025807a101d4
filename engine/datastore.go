// Package engine implements the embedded datastore: address-based opening of
// in-memory, file-backed and remote stores, and execution of the statement
// language they understand.
//
// A remote store receives the caller's namespace, database and parameters
// with every call, but Session.Auth stays local: the remote side
// authenticates as the user named in the address.
package engine

import (
	"context"
	"strings"

	"github.com/guileen/litepool/engine/errors"
	"github.com/guileen/litepool/logger"
	"github.com/guileen/litepool/storage"
)

// Address forms understood by Open.
const (
	MemoryAddress = "memory"
	FileScheme    = "file://"
	RemoteScheme  = "postgres://"
)

// Datastore is an open handle on a store.
type Datastore interface {
	// Execute runs every statement in text and returns one Response per
	// statement. Statement failures are reported in their Response; the
	// returned error is reserved for failures of the whole call.
	Execute(ctx context.Context, text string, session Session, vars Vars, strict bool) ([]Response, error)
	// Close releases the handle. Execute fails with errors.ErrClosed afterwards.
	Close() error
}

// Open opens a datastore handle for address. "memory" always yields a new,
// private store; handles opened on the same file path share one store.
func Open(ctx context.Context, address string) (Datastore, error) {
	logger.DebugContext(ctx, "Opening datastore", logger.Component("engine"), "address", address)

	switch {
	case address == MemoryAddress:
		kv, err := storage.Open(storage.InMemoryConfig())
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeOpen, "open")
		}
		return newLocalDatastore(address, kv, kv.Close), nil

	case strings.HasPrefix(address, FileScheme):
		path := strings.TrimPrefix(address, FileScheme)
		if path == "" {
			return nil, errors.Errorf(errors.ErrCodeOpen, "missing path in address %q", address)
		}
		kv, release, err := files.acquire(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeOpen, "open")
		}
		return newLocalDatastore(address, kv, release), nil

	case strings.HasPrefix(address, RemoteScheme), strings.HasPrefix(address, "postgresql://"):
		return dialRemote(ctx, address)
	}

	return nil, errors.Errorf(errors.ErrCodeUnsupportedAddress, "unsupported datastore address %q", address)
}
