// Package pgserver serves a Datastore over the PostgreSQL wire protocol.
//
// Only the simple query protocol is supported. Every statement of a query
// produces one row with a single "result" column holding the JSON encoded
// engine.Response, followed by CommandComplete.
package pgserver

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/guileen/litepool/engine"
	"github.com/guileen/litepool/engine/errors"
	"github.com/guileen/litepool/logger"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	// ServerVersion is reported to clients in the server_version parameter.
	ServerVersion = "16.0 (litepool)"

	codeInternal      = "XX000"
	codeNotSupported  = "0A000"
	codeAdminShutdown = "57P01"
	codeUpstream      = "08006"
	textOID           = 25
)

var resultFields = []pgproto3.FieldDescription{
	{
		Name:         []byte("result"),
		DataTypeOID:  textOID,
		DataTypeSize: -1,
		TypeModifier: -1,
		Format:       0,
	},
}

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = stderrors.New("pgserver: server closed")

// Server accepts wire connections and executes their queries on one Datastore.
type Server struct {
	ds  engine.Datastore
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l.With(logger.Component("pgserver"))
		}
	}
}

// NewServer creates a server for ds. The server does not own ds.
func NewServer(ds engine.Datastore, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ds:     ds,
		log:    logger.With(logger.Component("pgserver")),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the TCP address addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It always returns a non-nil error.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("PostgreSQL wire server listening", logger.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("Failed to accept connection", "error", err)
				continue
			}
			return err
		}

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// track registers conn and its handler with the wait group. Both happen under
// the lock so Close cannot reach wg.Wait between them.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Close stops accepting, drops open connections and waits for their handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handleConnection(conn net.Conn) {
	backend := pgproto3.NewBackend(conn, conn)

	session, ok := s.startup(conn, backend)
	if !ok {
		return
	}

	log := s.log.With("remote_addr", conn.RemoteAddr().String(), "database", session.Database)
	log.Debug("Client connected")

	// After an unsupported extended-protocol message everything up to the
	// next Sync is discarded.
	discarding := false

	for {
		msg, err := backend.Receive()
		if err != nil {
			if !stderrors.Is(err, io.EOF) && s.ctx.Err() == nil {
				log.Debug("Failed to receive message", "error", err)
			}
			return
		}

		switch msg := msg.(type) {
		case *pgproto3.Query:
			if err := s.handleQuery(backend, session, msg.String); err != nil {
				log.Debug("Failed to handle query", "error", err)
				return
			}
		case *pgproto3.Terminate:
			log.Debug("Client disconnected")
			return
		case *pgproto3.Sync:
			discarding = false
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		case *pgproto3.Flush:
			if err := backend.Flush(); err != nil {
				return
			}
		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute, *pgproto3.Close:
			if discarding {
				continue
			}
			discarding = true
			backend.Send(&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     codeNotSupported,
				Message:  "extended query protocol is not supported",
			})
			if err := backend.Flush(); err != nil {
				return
			}
		default:
			if err := s.sendErrorAndReady(backend, codeNotSupported, fmt.Sprintf("unsupported message type: %T", msg)); err != nil {
				return
			}
		}
	}
}

// startup negotiates the connection and derives the session from the
// startup parameters.
func (s *Server) startup(conn net.Conn, backend *pgproto3.Backend) (engine.Session, bool) {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			s.log.Debug("Failed to receive startup message", "error", err)
			return engine.Session{}, false
		}

		switch msg := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			// Encryption is not offered; the client continues in plain text.
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return engine.Session{}, false
			}
		case *pgproto3.StartupMessage:
			session := engine.Session{
				Namespace: msg.Parameters["namespace"],
				Database:  msg.Parameters["database"],
				Auth:      msg.Parameters["user"],
				Origin:    msg.Parameters["application_name"],
			}

			backend.Send(&pgproto3.AuthenticationOk{})
			backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: ServerVersion})
			backend.Send(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				s.log.Debug("Failed to complete startup", "error", err)
				return engine.Session{}, false
			}
			return session, true
		default:
			s.log.Debug("Unsupported startup message", "type", fmt.Sprintf("%T", msg))
			return engine.Session{}, false
		}
	}
}

// handleQuery handles the Query message (simple query protocol)
func (s *Server) handleQuery(backend *pgproto3.Backend, session engine.Session, query string) error {
	responses, err := s.ds.Execute(s.ctx, query, session, nil, false)
	if err != nil {
		return s.sendErrorAndReady(backend, errorCode(err), err.Error())
	}

	if len(responses) == 0 {
		backend.Send(&pgproto3.EmptyQueryResponse{})
	}
	for _, resp := range responses {
		data, err := json.Marshal(resp)
		if err != nil {
			return s.sendErrorAndReady(backend, codeInternal, fmt.Sprintf("encode response: %v", err))
		}
		backend.Send(&pgproto3.RowDescription{Fields: resultFields})
		backend.Send(&pgproto3.DataRow{Values: [][]byte{data}})
		backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
	}

	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

func (s *Server) sendErrorAndReady(backend *pgproto3.Backend, code, message string) error {
	backend.Send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  message,
	})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

// errorCode maps an Execute failure to its SQLSTATE. A served remote store
// that lost its upstream reports a connection failure.
func errorCode(err error) string {
	switch {
	case errors.IsParseError(err):
		return engine.SyntaxErrorCode
	case errors.IsClosedError(err):
		return codeAdminShutdown
	case errors.IsRemoteError(err):
		return codeUpstream
	default:
		return codeInternal
	}
}
