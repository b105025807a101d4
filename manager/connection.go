package manager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/guileen/litepool/engine"
)

// Connection is an open datastore handle paired with its own copy of the
// manager's session.
type Connection struct {
	id        uuid.UUID
	address   string
	ds        engine.Datastore
	session   engine.Session
	createdAt time.Time
}

func (c *Connection) ID() uuid.UUID { return c.id }

func (c *Connection) Address() string { return c.address }

// Session returns a copy of the connection's session.
func (c *Connection) Session() engine.Session { return c.session.Clone() }

func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Datastore returns the underlying handle.
func (c *Connection) Datastore() engine.Datastore { return c.ds }

// Execute runs text with the connection's session.
func (c *Connection) Execute(ctx context.Context, text string, vars engine.Vars, strict bool) ([]engine.Response, error) {
	return c.ds.Execute(ctx, text, c.session, vars, strict)
}

// Close releases the datastore handle.
func (c *Connection) Close() error {
	return c.ds.Close()
}
