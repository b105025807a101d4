package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/guileen/litepool/engine"
	"github.com/guileen/litepool/engine/errors"
	"github.com/guileen/litepool/logger"
	"github.com/guileen/litepool/protocol/pgserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testSession() engine.Session {
	s := engine.NewSession("test", "manager")
	s.Auth = "tester"
	s.Params = map[string]string{"region": "eu"}
	return s
}

func startRemote(t *testing.T) string {
	t.Helper()
	ds, err := engine.Open(context.Background(), engine.MemoryAddress)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := pgserver.NewServer(ds)
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Close()
		ds.Close()
	})
	return ln.Addr().String()
}

func TestTargetAddress(t *testing.T) {
	session := testSession()
	tests := []struct {
		name     string
		mgr      *Manager
		kind     TargetKind
		location string
		address  string
	}{
		{"memory", ForMemory(session), TargetMemory, "", "memory"},
		{"file", ForFile("/tmp/test-db", session), TargetFile, "/tmp/test-db", "file:///tmp/test-db"},
		{"file unclean", ForFile("/tmp//data/../test-db/", session), TargetFile, "/tmp/test-db", "file:///tmp/test-db"},
		{"file relative", ForFile("data/db", session), TargetFile, "data/db", "file://data/db"},
		{"remote", ForRemote("127.0.0.1:5432", session), TargetRemote, "127.0.0.1:5432", "postgres://127.0.0.1:5432"},
		{"remote with scheme", ForRemote(" postgres://db.local:5432/ ", session), TargetRemote, "db.local:5432", "postgres://db.local:5432"},
		{"remote postgresql scheme", ForRemote("postgresql://db.local", session), TargetRemote, "db.local", "postgres://db.local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.mgr.Target()
			assert.Equal(t, tt.kind, target.Kind())
			assert.Equal(t, tt.location, target.Location())
			assert.Equal(t, tt.address, target.Address())
			assert.Equal(t, tt.address, tt.mgr.Address())
		})
	}

	assert.Equal(t, "remote", TargetRemote.String())
	assert.Equal(t, "TargetKind(7)", TargetKind(7).String())
}

func TestCreateCopiesSession(t *testing.T) {
	ctx := context.Background()
	session := testSession()

	managers := map[string]*Manager{
		"memory": ForMemory(session),
		"file":   ForFile(filepath.Join(t.TempDir(), "db"), session),
		"remote": ForRemote(startRemote(t), session),
	}
	for name, mgr := range managers {
		t.Run(name, func(t *testing.T) {
			conn, err := mgr.Create(ctx)
			require.NoError(t, err)
			defer conn.Close()

			assert.Equal(t, session, conn.Session())
			assert.Equal(t, mgr.Address(), conn.Address())
			assert.False(t, conn.CreatedAt().IsZero())
			assert.NoError(t, mgr.Validate(ctx, conn))
			assert.False(t, mgr.IsBroken(conn))

			// Sessions are copies: mutating one never leaks into another.
			got := conn.Session()
			got.Params["region"] = "us"
			assert.Equal(t, "eu", conn.Session().Params["region"])
			assert.Equal(t, "eu", mgr.Session().Params["region"])
		})
	}

	// The caller's session is copied at construction too.
	mgr := ForMemory(session)
	session.Params["region"] = "ap"
	assert.Equal(t, "eu", mgr.Session().Params["region"])
}

func TestCreateInvalidFilePath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	mgr := ForFile(filepath.Join(blocker, "db"), testSession())
	conn, err := mgr.Create(context.Background())
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, errors.IsEngineError(err))
	assert.True(t, errors.IsOpenError(err))
}

func TestCreateUnreachableRemote(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	conn, err := ForRemote(addr, testSession()).Create(context.Background())
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, errors.IsOpenError(err))
}

func TestCreateReturnsOpenerErrorVerbatim(t *testing.T) {
	want := errors.New(errors.ErrCodeStorage, "disk on fire")
	var gotAddress string
	mgr := ForFile("/srv/data", testSession(), WithOpener(func(_ context.Context, address string) (engine.Datastore, error) {
		gotAddress = address
		return nil, want
	}))

	conn, err := mgr.Create(context.Background())
	assert.Nil(t, conn)
	assert.Same(t, want, err)
	assert.Equal(t, "file:///srv/data", gotAddress)
}

func TestValidateAfterClose(t *testing.T) {
	ctx := context.Background()
	managers := map[string]*Manager{
		"memory": ForMemory(testSession()),
		"file":   ForFile(filepath.Join(t.TempDir(), "db"), testSession()),
		"remote": ForRemote(startRemote(t), testSession()),
	}
	for name, mgr := range managers {
		t.Run(name, func(t *testing.T) {
			conn, err := mgr.Create(ctx)
			require.NoError(t, err)
			require.NoError(t, mgr.Validate(ctx, conn))

			require.NoError(t, conn.Close())
			err = mgr.Validate(ctx, conn)
			require.Error(t, err)
			assert.True(t, errors.IsEngineError(err))
			assert.True(t, errors.IsClosedError(err))
			assert.False(t, mgr.IsBroken(conn))
		})
	}
}

func TestValidateAfterServerShutdown(t *testing.T) {
	ctx := context.Background()
	ds, err := engine.Open(ctx, engine.MemoryAddress)
	require.NoError(t, err)
	defer ds.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := pgserver.NewServer(ds)
	go srv.Serve(ln)

	mgr := ForRemote(ln.Addr().String(), testSession())
	conn, err := mgr.Create(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, mgr.Validate(ctx, conn))

	require.NoError(t, srv.Close())
	err = mgr.Validate(ctx, conn)
	require.Error(t, err)
	assert.True(t, errors.IsEngineError(err))
}

func TestValidateIgnoresStatementErrors(t *testing.T) {
	ctx := context.Background()
	mgr := ForMemory(testSession(), WithOpener(func(ctx context.Context, address string) (engine.Datastore, error) {
		ds, err := engine.Open(ctx, address)
		if err != nil {
			return nil, err
		}
		return failingStatements{ds}, nil
	}))

	conn, err := mgr.Create(ctx)
	require.NoError(t, err)
	defer conn.Close()
	assert.NoError(t, mgr.Validate(ctx, conn))
}

// failingStatements reports every statement as failed while the call succeeds.
type failingStatements struct {
	engine.Datastore
}

func (f failingStatements) Execute(ctx context.Context, text string, session engine.Session, vars engine.Vars, strict bool) ([]engine.Response, error) {
	if _, err := f.Datastore.Execute(ctx, text, session, vars, strict); err != nil {
		return nil, err
	}
	return []engine.Response{{Status: engine.StatusErr, Detail: "statement failed"}}, nil
}

func TestMemoryConnectionsAreDistinct(t *testing.T) {
	ctx := context.Background()
	mgr := ForMemory(engine.Session{})

	a, err := mgr.Create(ctx)
	require.NoError(t, err)
	defer a.Close()
	b, err := mgr.Create(ctx)
	require.NoError(t, err)
	defer b.Close()

	assert.NotSame(t, a, b)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NoError(t, mgr.Validate(ctx, a))
	assert.NoError(t, mgr.Validate(ctx, b))

	// Each in-memory connection has its own store.
	_, err = a.Execute(ctx, "CREATE item", nil, false)
	require.NoError(t, err)
	responses, err := b.Execute(ctx, "SELECT * FROM item", nil, false)
	require.NoError(t, err)
	assert.Empty(t, responses[0].Result)
}

func TestFileManagerScenario(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "test-db")

	var opened []string
	mgr := ForFile("/tmp/test-db", testSession(), WithOpener(func(ctx context.Context, address string) (engine.Datastore, error) {
		opened = append(opened, address)
		return engine.Open(ctx, engine.FileScheme+dir)
	}))
	assert.Equal(t, "file:///tmp/test-db", mgr.Address())

	conn, err := mgr.Create(ctx)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, []string{"file:///tmp/test-db"}, opened)
	assert.Equal(t, "file:///tmp/test-db", conn.Address())
	assert.NoError(t, mgr.Validate(ctx, conn))
}

func TestConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	mgr := ForFile(filepath.Join(t.TempDir(), "shared"), testSession())

	conns := make([]*Connection, 8)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		i := i
		g.Go(func() error {
			conn, err := mgr.Create(gctx)
			if err != nil {
				return err
			}
			conns[i] = conn
			return mgr.Validate(gctx, conn)
		})
	}
	require.NoError(t, g.Wait())

	ids := make(map[string]bool)
	for _, conn := range conns {
		ids[conn.ID().String()] = true
		require.NoError(t, conn.Close())
	}
	assert.Len(t, ids, len(conns))
}

func TestCreateEmptyFilePath(t *testing.T) {
	mgr := ForFile("", testSession())
	assert.Equal(t, "", mgr.Target().Location())
	assert.Equal(t, "file://", mgr.Address())

	conn, err := mgr.Create(context.Background())
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, errors.IsOpenError(err))
}

func TestSessionParamsWithNonIdentifierNames(t *testing.T) {
	ctx := context.Background()
	session := testSession()
	session.Params["app-name"] = "billing"

	managers := map[string]*Manager{
		"memory": ForMemory(session),
		"remote": ForRemote(startRemote(t), session),
	}
	for name, mgr := range managers {
		t.Run(name, func(t *testing.T) {
			conn, err := mgr.Create(ctx)
			require.NoError(t, err)
			defer conn.Close()

			require.NoError(t, mgr.Validate(ctx, conn))

			responses, err := conn.Execute(ctx, "RETURN $region", nil, false)
			require.NoError(t, err)
			require.Len(t, responses, 1)
			assert.Equal(t, engine.StatusOK, responses[0].Status)
			assert.Equal(t, []engine.Value{"eu"}, responses[0].Result)

			// Caller variables must still be identifiers.
			_, err = conn.Execute(ctx, "RETURN 1", engine.Vars{"bad-name": 1}, false)
			if name == "remote" {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeQuery, errors.CodeOf(err))
			}
		})
	}
}

func decodeLogLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggingCarriesConnectionScope(t *testing.T) {
	var managerLog, globalLog bytes.Buffer
	prev := logger.Logger
	logger.Logger = logger.NewLogger(logger.Config{Level: slog.LevelDebug, Format: "json", Writer: &globalLog})
	defer func() { logger.Logger = prev }()

	ctx := context.Background()
	mgr := ForMemory(testSession(), WithLogger(logger.NewLogger(logger.Config{Level: slog.LevelDebug, Format: "json", Writer: &managerLog})))
	conn, err := mgr.Create(ctx)
	require.NoError(t, err)
	id := conn.ID().String()

	created := decodeLogLines(t, &managerLog)
	require.Len(t, created, 1)
	assert.Equal(t, "Connection created", created[0]["msg"])
	assert.Equal(t, id, created[0]["connection_id"])
	assert.Equal(t, "test", created[0]["namespace"])
	assert.Equal(t, "manager", created[0]["database"])
	assert.Equal(t, "create", created[0]["operation"])
	assert.Equal(t, "manager", created[0]["component"])

	require.NoError(t, conn.Close())
	globalLog.Reset()
	require.Error(t, mgr.Validate(ctx, conn))

	failed := decodeLogLines(t, &globalLog)
	require.Len(t, failed, 1)
	assert.Equal(t, "DEBUG", failed[0]["level"])
	assert.Equal(t, id, failed[0]["connection_id"])
	assert.Equal(t, "test", failed[0]["namespace"])
	assert.Equal(t, "manager", failed[0]["database"])
	assert.Equal(t, errors.ErrCodeClosed, failed[0]["error_code"])
}
