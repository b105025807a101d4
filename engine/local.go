package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guileen/litepool/engine/errors"
	"github.com/guileen/litepool/storage"
)

// localDatastore is a handle on an in-process store.
type localDatastore struct {
	address   string
	kv        *storage.KV
	release   func() error
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newLocalDatastore(address string, kv *storage.KV, release func() error) *localDatastore {
	return &localDatastore{address: address, kv: kv, release: release}
}

func (d *localDatastore) Execute(ctx context.Context, text string, session Session, vars Vars, strict bool) (responses []Response, err error) {
	if d.closed.Load() {
		return nil, errors.ErrClosed
	}

	stmts, err := parseQuery(text)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			responses = nil
			err = errors.Wrapf(fmt.Errorf("%v", r), errors.ErrCodeInternal, "execute", "engine panic: %v", r)
		}
	}()

	x := newExecution(d.kv, session, vars, strict)
	responses = make([]Response, 0, len(stmts))
	for _, stmt := range stmts {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCancelled, "execute")
		}

		start := time.Now()
		result, err := x.run(ctx, stmt)
		if err != nil && isFatal(err) {
			return nil, fatalError(err)
		}

		resp := Response{Time: time.Since(start), Status: StatusOK, Result: result}
		if err != nil {
			resp.Status = StatusErr
			resp.Result = nil
			resp.Detail = statementError(stmt.kind, err).Error()
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

func fatalError(err error) error {
	if stderrors.Is(err, storage.ErrClosed) {
		return errors.Wrapf(err, errors.ErrCodeClosed, "execute", "%s", errors.ErrClosed.Message)
	}
	return errors.Wrap(err, errors.ErrCodeCancelled, "execute")
}

// statementError tags a failure that did not come from the engine itself as
// a storage error of the statement.
func statementError(kind statementKind, err error) error {
	if errors.IsEngineError(err) {
		return err
	}
	return errors.Wrapf(err, errors.ErrCodeStorage, kind.String(), "%v", err)
}

func (d *localDatastore) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.closeErr = d.release()
	})
	return d.closeErr
}

func (d *localDatastore) String() string {
	return d.address
}
