// Package client implements the skiff client: it maintains one control
// connection to a server, requests a public port for a local TCP service,
// and opens a fresh data connection for every visitor the server
// dispatches.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skiffhq/skiff/internal/auth"
	"github.com/skiffhq/skiff/internal/events"
	"github.com/skiffhq/skiff/internal/logging"
	"github.com/skiffhq/skiff/internal/metrics"
	"github.com/skiffhq/skiff/internal/proxy"
	"github.com/skiffhq/skiff/internal/wire"
)

// DialTimeout bounds every outbound dial the client makes: the initial
// control connection and every per-visitor data and local connection.
const DialTimeout = 3 * time.Second

// Options configures ambient collaborators. Every field is optional: a nil
// Logger defaults to an info-level logger on stdout, a nil Emitter discards
// events, and a nil Metrics records nothing.
type Options struct {
	Logger  *logging.Logger
	Emitter events.Emitter
	Metrics *metrics.Recorder
}

// Client owns one control connection and spawns one data-leg goroutine per
// dispatched visitor.
type Client struct {
	localHost string
	localPort uint16
	to        string
	auth      *auth.Authenticator
	logger    *logging.Logger
	emitter   events.Emitter

	conn    *wire.Conn
	metrics *metrics.Recorder

	remotePort    uint16
	activeProxies atomic.Int64
}

// RemotePort returns the public port the server assigned.
func (c *Client) RemotePort() uint16 { return c.remotePort }

// ActiveProxies returns the number of data legs currently running, counted
// from the start of the remote dial until the splice ends.
func (c *Client) ActiveProxies() int64 { return c.activeProxies.Load() }

// New dials to:wire.ControlPort, performs the handshake (if secret is
// non-empty), requests requestedPort (0 = any), and returns a Client ready
// for Listen. Any failure during this initial exchange is returned as an
// error; no background state is left running.
func New(localHost string, localPort uint16, to string, requestedPort uint16, secret string, opts Options) (*Client, error) {
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

	nc, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", to, wire.ControlPort), DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: connect to %s: %w", to, err)
	}
	conn := wire.NewConn(nc)

	if a != nil {
		if err := a.ClientHandshake(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("client: handshake: %w", err)
		}
	}

	if err := conn.SendClient(wire.NewHello(requestedPort)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send hello: %w", err)
	}

	reply, err := conn.RecvServerTimeout(wire.InitialReadTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: await hello: %w", err)
	}

	switch {
	case reply.Hello != nil:
		c := &Client{
			localHost: localHost,
			localPort: localPort,
			to:        to,
			auth:      a,
			logger:    logger,
			emitter:   emitter,
			metrics:   opts.Metrics,
			conn:      conn,
		}
		c.remotePort = *reply.Hello
		logger.Info("listening at %s:%d", to, c.remotePort)
		return c, nil
	case reply.Error != nil:
		conn.Close()
		return nil, fmt.Errorf("client: server error: %s", *reply.Error)
	default:
		conn.Close()
		return nil, errors.New("client: unexpected reply to hello")
	}
}

// Listen runs the control loop, dispatching a goroutine for every
// Connection message, until ctx is canceled or the control connection
// ends.
func (c *Client) Listen(ctx context.Context) error {
	defer c.conn.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		c.conn.Close()
		close(done)
	}()

	for {
		msg, err := c.conn.RecvServer()
		if err != nil {
			select {
			case <-done:
				return ctx.Err()
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("client: control loop: %w", err)
		}

		switch {
		case msg.Heartbeat:
			// liveness only, no action required

		case msg.Connection != nil:
			id := *msg.Connection
			go c.handleConnection(id)

		case msg.Error != nil:
			c.logger.Error("server error: %s", *msg.Error)

		case msg.Hello != nil, msg.Challenge != nil:
			c.logger.Warn("unexpected message during control loop")

		default:
			c.logger.Warn("unrecognized message during control loop")
		}
	}
}

// handleConnection is the data-leg task for one dispatched visitor: open
// a fresh data connection, accept the handoff, dial the local service,
// and splice.
func (c *Client) handleConnection(id uuid.UUID) {
	c.activeProxies.Add(1)
	defer c.activeProxies.Add(-1)

	remoteNC, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", c.to, wire.ControlPort), DialTimeout)
	if err != nil {
		c.logger.Warn("%s: dial remote: %v", id, err)
		return
	}
	defer remoteNC.Close()
	remote := wire.NewConn(remoteNC)

	if c.auth != nil {
		if err := c.auth.ClientHandshake(remote); err != nil {
			c.logger.Warn("%s: handshake: %v", id, err)
			return
		}
	}

	if err := remote.SendClient(wire.NewAccept(id)); err != nil {
		c.logger.Warn("%s: send accept: %v", id, err)
		return
	}

	localAddr := net.JoinHostPort(c.localHost, fmt.Sprintf("%d", c.localPort))
	local, err := net.DialTimeout("tcp", localAddr, DialTimeout)
	if err != nil {
		c.logger.Warn("%s: dial local %s: %v", id, localAddr, err)
		return
	}
	defer local.Close()

	if buffered := remote.Buffered(); len(buffered) > 0 {
		if _, err := local.Write(buffered); err != nil {
			c.logger.Warn("%s: flush buffered bytes: %v", id, err)
			return
		}
	}

	c.emitter.Emit(events.EventVisitorHandoff, events.VisitorHandoffData{ConnectionID: id.String()})

	onBytes := func(n int64) {
		if c.metrics != nil {
			c.metrics.BytesProxied(n)
		}
	}
	if err := proxy.SpliceCounted(remote.Raw(), local, onBytes); err != nil && !errors.Is(err, io.EOF) {
		c.logger.Debug("%s: splice ended: %v", id, err)
	}
}
