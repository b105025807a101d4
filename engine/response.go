package engine

import (
	"time"

	"github.com/guileen/litepool/engine/errors"
)

// Status is the outcome of a single statement.
type Status string

const (
	StatusOK  Status = "OK"
	StatusErr Status = "ERR"
)

// Response is the result of one statement of an executed query.
type Response struct {
	Time   time.Duration `json:"time"`
	Status Status        `json:"status"`
	Result []Value       `json:"result"`
	Detail string        `json:"detail,omitempty"`
}

// Err returns the statement's failure, or nil when it succeeded.
func (r Response) Err() error {
	if r.Status != StatusErr {
		return nil
	}
	return errors.New(errors.ErrCodeQuery, r.Detail)
}
