package pool

import (
	"errors"
	"fmt"
)

// ErrPoolClosed is returned when acquiring from a closed pool.
var ErrPoolClosed = errors.New("pool is closed")

// PoolError records the pool operation that failed. Errors returned by the
// ResourceManager are kept as Err unchanged.
type PoolError struct {
	Op  string
	Err error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("pool %s: %v", e.Op, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}
