package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guileen/litepool/engine/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultRemoteUser  = "litepool"
	remoteCloseTimeout = 5 * time.Second
)

// remoteDatastore executes statements on a server speaking the PostgreSQL
// wire protocol (see protocol/pgserver). Calls on one handle are serialized.
//
// The namespace, database, parameters and strict mode of each call are sent
// ahead of the query. Session.Auth is not: the server takes its session Auth
// from the wire user, which is the user part of the address
// ("postgres://user@host:port") or "litepool" when absent.
type remoteDatastore struct {
	address string
	mu      sync.Mutex
	conn    *pgconn.PgConn
}

func dialRemote(ctx context.Context, address string) (Datastore, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOpen, "open")
	}
	if u.Host == "" {
		return nil, errors.Errorf(errors.ErrCodeOpen, "missing endpoint in address %q", address)
	}
	if u.User == nil {
		u.User = url.User(defaultRemoteUser)
	}
	q := u.Query()
	if !q.Has("sslmode") {
		q.Set("sslmode", "disable")
		u.RawQuery = q.Encode()
	}

	conn, err := pgconn.Connect(ctx, u.String())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOpen, "open")
	}
	return &remoteDatastore{address: address, conn: conn}, nil
}

func (d *remoteDatastore) Execute(ctx context.Context, text string, session Session, vars Vars, strict bool) ([]Response, error) {
	prelude, n, err := remotePrelude(session, vars, strict)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn.IsClosed() {
		return nil, errors.ErrClosed
	}

	results, err := d.conn.Exec(ctx, prelude+text).ReadAll()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "execute")
		}
		return nil, remoteError(err)
	}

	responses := make([]Response, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			return nil, remoteError(res.Err)
		}
		if len(res.Rows) != 1 || len(res.Rows[0]) != 1 {
			return nil, errors.Errorf(errors.ErrCodeRemote, "malformed response: %d rows", len(res.Rows))
		}
		var resp Response
		if err := json.Unmarshal(res.Rows[0][0], &resp); err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeRemote, "execute", "decode response: %v", err)
		}
		responses = append(responses, resp)
	}

	if len(responses) < n {
		return nil, errors.Errorf(errors.ErrCodeRemote, "expected at least %d responses, got %d", n, len(responses))
	}
	for _, resp := range responses[:n] {
		if resp.Status == StatusErr {
			return nil, errors.Errorf(errors.ErrCodeRemote, "session setup failed: %s", resp.Detail)
		}
	}
	return responses[n:], nil
}

// SyntaxErrorCode is the SQLSTATE the server reports for statements it cannot parse.
const SyntaxErrorCode = "42601"

func remoteError(err error) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == SyntaxErrorCode {
		return errors.Wrapf(err, errors.ErrCodeParse, "parse", "%s", pgErr.Message)
	}
	return errors.Wrap(err, errors.ErrCodeRemote, "execute")
}

// remotePrelude renders strict mode, the session scope and every variable as
// statements sent ahead of the caller's query. It returns the number of
// responses they produce.
func remotePrelude(session Session, vars Vars, strict bool) (string, int, error) {
	merged := make(map[string]Value, len(session.Params)+len(vars))
	for k, v := range session.Params {
		// No statement can reference a session parameter that is not an
		// identifier, so it is not sent.
		if validIdent(k) {
			merged[k] = v
		}
	}
	for k, v := range vars {
		if !validIdent(k) {
			return "", 0, errors.Errorf(errors.ErrCodeQuery, "invalid parameter name %q", k)
		}
		merged[k] = v
	}
	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)

	ns, _ := json.Marshal(session.Namespace)
	db, _ := json.Marshal(session.Database)

	var b strings.Builder
	fmt.Fprintf(&b, "OPTION STRICT = %t;\nUSE NS %s DB %s;\n", strict, ns, db)
	for _, name := range names {
		data, err := json.Marshal(merged[name])
		if err != nil {
			return "", 0, errors.Wrapf(err, errors.ErrCodeQuery, "execute", "encode parameter $%s: %v", name, err)
		}
		fmt.Fprintf(&b, "LET $%s = %s;\n", name, data)
	}
	return b.String(), 2 + len(names), nil
}

func (d *remoteDatastore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn.IsClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteCloseTimeout)
	defer cancel()
	return d.conn.Close(ctx)
}

func (d *remoteDatastore) String() string {
	return d.address
}
