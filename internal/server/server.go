// Package server implements the skiff server: it accepts control
// connections, allocates a public port per hosting client, and splices
// visitor connections to the client's data connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiffhq/skiff/internal/auth"
	"github.com/skiffhq/skiff/internal/events"
	"github.com/skiffhq/skiff/internal/logging"
	"github.com/skiffhq/skiff/internal/metrics"
	"github.com/skiffhq/skiff/internal/proxy"
	"github.com/skiffhq/skiff/internal/rendezvous"
	"github.com/skiffhq/skiff/internal/wire"
)

// DispatchInterval is the heartbeat/accept cadence of a hosting session.
const DispatchInterval = 500 * time.Millisecond

// StaleEvictionDelay is how long an accepted visitor connection waits in
// the rendezvous table for a matching Accept before it's evicted.
const StaleEvictionDelay = 10 * time.Second

// ConnectTimeout bounds dials the server itself never makes; kept here
// only as documentation of the symmetric constant used by internal/client.
const ConnectTimeout = 3 * time.Second

// Options configures ambient collaborators. Every field is optional: a nil
// Logger defaults to an info-level logger on stdout, a nil Emitter discards
// events, and a nil Metrics records nothing.
type Options struct {
	Logger  *logging.Logger
	Emitter events.Emitter
	Metrics *metrics.Recorder
}

// Server accepts control connections on wire.ControlPort, hosts sessions
// that request a public port, and forwards data connections that accept a
// dispatched visitor.
type Server struct {
	minPort, maxPort uint16
	listenAddr       string
	auth             *auth.Authenticator
	table            *rendezvous.Table
	logger           *logging.Logger
	emitter          events.Emitter
	metrics          *metrics.Recorder

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionRecord
}

type sessionRecord struct {
	port           uint16
	connectedSince time.Time
	listener       net.Listener
}

// New constructs a Server. An empty port range ([minPort, maxPort] with
// minPort > maxPort) is rejected. An empty secret disables authentication
// entirely.
func New(minPort, maxPort uint16, secret string, opts Options) (*Server, error) {
	if minPort > maxPort {
		return nil, ErrEmptyPortRange
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.LevelInfo)
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	var a *auth.Authenticator
	if secret != "" {
		a = auth.New(secret)
	}

	return &Server{
		minPort:    minPort,
		maxPort:    maxPort,
		listenAddr: fmt.Sprintf(":%d", wire.ControlPort),
		auth:       a,
		table:      rendezvous.New(),
		logger:     logger,
		emitter:    emitter,
		metrics:    opts.Metrics,
		sessions:   make(map[uuid.UUID]*sessionRecord),
	}, nil
}

// recordMetric runs fn against the configured Recorder if one was
// provided; metrics are optional ambient observability, never required for
// correctness.
func (s *Server) recordMetric(fn func(*metrics.Recorder)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

// Listen binds the control port and serves connections until ctx is
// canceled or the listener fails.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("server: bind control port: %w", err)
	}
	s.logger.Info("listening on %s (control port)", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection drives one control connection through authentication,
// dispatch, and into Host, Forward, or admin mode.
func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	conn := wire.NewConn(nc)
	remote := nc.RemoteAddr().String()
	defer conn.Close()

	if s.auth != nil {
		if err := s.auth.ServerHandshake(conn); err != nil {
			s.logger.Warn("%s: authentication failed: %v", remote, err)
			s.emitter.Emit(events.EventAuthFailed, events.AuthFailedData{RemoteAddr: remote, Reason: err.Error()})
			_ = conn.SendServer(wire.NewError("invalid secret"))
			return
		}
	}

	msg, err := conn.RecvClientTimeout(wire.InitialReadTimeout)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("%s: waiting for first message: %v", remote, err)
		}
		return
	}

	switch {
	case msg.Authenticate != nil:
		s.logger.Warn("%s: unexpected Authenticate outside handshake", remote)

	case msg.Hello != nil:
		s.hostSession(ctx, conn, remote, *msg.Hello)

	case msg.Accept != nil:
		s.forwardConnection(conn, remote, *msg.Accept)

	case msg.ListSessions:
		s.listSessions(conn, remote)

	default:
		s.logger.Warn("%s: unexpected message as first message", remote)
	}
}

// hostSession allocates a public port, replies with Hello(port), and runs
// the heartbeat/dispatch loop until the control connection or context
// ends.
func (s *Server) hostSession(ctx context.Context, conn *wire.Conn, remote string, requestedPort uint16) {
	ln, err := s.bindPort(requestedPort)
	if err != nil {
		s.logger.Warn("%s: %v", remote, err)
		_ = conn.SendServer(wire.NewError(err.Error()))
		return
	}
	defer ln.Close()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	sessionID := uuid.New()
	s.registerSession(sessionID, port, ln)
	defer s.unregisterSession(sessionID)

	if err := conn.SendServer(wire.NewServerHello(port)); err != nil {
		s.logger.Warn("%s: send hello: %v", remote, err)
		return
	}

	s.logger.Info("%s: hosting on port %d", remote, port)
	s.emitter.Emit(events.EventSessionStarted, events.SessionStartedData{RemoteAddr: remote, Port: port})
	defer s.emitter.Emit(events.EventSessionEnded, events.SessionEndedData{RemoteAddr: remote, Port: port})
	s.recordMetric((*metrics.Recorder).SessionOpened)
	defer s.recordMetric((*metrics.Recorder).SessionClosed)

	s.dispatchLoop(ctx, conn, ln, remote, port)
}

// dispatchLoop sends a heartbeat and waits briefly for a new visitor on
// ln every DispatchInterval, dispatching each visitor's ConnectionID to
// the client.
func (s *Server) dispatchLoop(ctx context.Context, conn *wire.Conn, ln net.Listener, remote string, port uint16) {
	tcpLn, _ := ln.(*net.TCPListener)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SendServer(wire.NewHeartbeat()); err != nil {
			s.logger.Debug("%s: heartbeat: %v", remote, err)
			return
		}

		if tcpLn != nil {
			_ = tcpLn.SetDeadline(time.Now().Add(DispatchInterval))
		}
		visitor, err := ln.Accept()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			s.logger.Debug("%s: listener closed: %v", remote, err)
			return
		}

		id := uuid.New()
		s.table.Insert(id, visitor)
		s.emitter.Emit(events.EventVisitorConnected, events.VisitorConnectedData{ConnectionID: id.String(), Port: port})
		s.recordMetric((*metrics.Recorder).VisitorAccepted)
		s.spawnEvictor(id)

		if err := conn.SendServer(wire.NewConnection(id)); err != nil {
			s.logger.Debug("%s: dispatch: %v", remote, err)
			return
		}
	}
}

// spawnEvictor removes id from the rendezvous table after
// StaleEvictionDelay if no Accept has already claimed it.
func (s *Server) spawnEvictor(id uuid.UUID) {
	go func() {
		time.Sleep(StaleEvictionDelay)
		if conn, ok := s.table.Remove(id); ok {
			s.logger.Warn("removed stale connection %s", id)
			s.emitter.Emit(events.EventVisitorEvicted, events.VisitorEvictedData{ConnectionID: id.String()})
			s.recordMetric((*metrics.Recorder).VisitorEvicted)
			s.recordMetric((*metrics.Recorder).VisitorResolved)
			conn.Close()
		}
	}()
}

// forwardConnection completes the handoff for a data connection: the
// control connection it arrived on becomes the data leg, spliced to the
// matching visitor socket.
func (s *Server) forwardConnection(conn *wire.Conn, remote string, id uuid.UUID) {
	visitor, ok := s.table.Remove(id)
	if !ok {
		s.logger.Warn("%s: missing connection %s", remote, id)
		return
	}
	defer visitor.Close()
	s.recordMetric((*metrics.Recorder).VisitorResolved)

	s.emitter.Emit(events.EventVisitorHandoff, events.VisitorHandoffData{ConnectionID: id.String()})

	if buffered := conn.Buffered(); len(buffered) > 0 {
		if _, err := visitor.Write(buffered); err != nil {
			s.logger.Debug("%s: flush buffered bytes: %v", remote, err)
			return
		}
	}

	onBytes := func(n int64) { s.recordMetric(func(r *metrics.Recorder) { r.BytesProxied(n) }) }
	if err := proxy.SpliceCounted(conn.Raw(), visitor, onBytes); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug("%s: splice %s ended: %v", remote, id, err)
	}
}

func (s *Server) registerSession(id uuid.UUID, port uint16, ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &sessionRecord{port: port, connectedSince: time.Now(), listener: ln}
}

func (s *Server) unregisterSession(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// listSessions answers an admin ListSessions request with a snapshot of
// every currently hosting session.
func (s *Server) listSessions(conn *wire.Conn, remote string) {
	s.mu.Lock()
	infos := make([]wire.SessionInfo, 0, len(s.sessions))
	for id, rec := range s.sessions {
		infos = append(infos, wire.SessionInfo{
			IDPrefix:       id.String()[:8],
			Port:           rec.port,
			ConnectedSince: rec.connectedSince,
		})
	}
	s.mu.Unlock()

	if err := conn.SendServer(wire.NewSessions(infos)); err != nil {
		s.logger.Debug("%s: send sessions: %v", remote, err)
	}
}
