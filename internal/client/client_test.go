package client

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/skiffhq/skiff/internal/server"
	"github.com/skiffhq/skiff/internal/wire"
	"github.com/skiffhq/skiff/test/testutil"
)

// startTestServer runs a real server bound to the fixed control port and
// returns a cancel func that shuts it down. Tests in this file are not run
// with t.Parallel so they don't contend for the port.
func startTestServer(t *testing.T, secret string) context.CancelFunc {
	t.Helper()

	minPort := uint16(testutil.FreePort())
	srv, err := server.New(minPort, minPort+100, secret, server.Options{})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Listen(ctx)
	if !testutil.WaitFor(time.Second, func() bool {
		probe, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(wire.ControlPort)))
		if err != nil {
			return false
		}
		probe.Close()
		return true
	}) {
		t.Fatal("control port never became acceptable")
	}
	return cancel
}

func TestClient_BasicProxy_NoSecret(t *testing.T) {
	echoPort, closeEcho := testutil.EchoListener()
	defer closeEcho()

	cancel := startTestServer(t, "")
	defer cancel()

	c, err := New("127.0.0.1", uint16(echoPort), "127.0.0.1", 0, "", Options{})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	ctx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	go c.Listen(ctx)

	msg := "hello through the tunnel"
	got := dialAndEcho(t, c.RemotePort(), msg)
	if got != msg {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestClient_MatchingSecret(t *testing.T) {
	echoPort, closeEcho := testutil.EchoListener()
	defer closeEcho()

	secret := testutil.RandomSecret(20)
	cancel := startTestServer(t, secret)
	defer cancel()

	c, err := New("127.0.0.1", uint16(echoPort), "127.0.0.1", 0, secret, Options{})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	ctx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	go c.Listen(ctx)

	got := dialAndEcho(t, c.RemotePort(), "ping")
	if got != "ping" {
		t.Fatalf("got %q, want ping", got)
	}
}

func TestClient_MismatchedSecret_Fails(t *testing.T) {
	cancel := startTestServer(t, testutil.RandomSecret(20))
	defer cancel()

	_, err := New("127.0.0.1", 8080, "127.0.0.1", 0, testutil.RandomSecret(20), Options{})
	if err == nil {
		t.Fatal("expected client construction to fail with a mismatched secret")
	}
}

func TestClient_New_NothingListening(t *testing.T) {
	// Nothing listening on the fixed control port.
	_, err := New("127.0.0.1", 8080, "127.0.0.1", 0, "", Options{})
	if err == nil {
		t.Fatal("expected error connecting to a server with nothing listening on the control port")
	}
}

// dialAndEcho dials the tunnel's assigned public port, writes msg, and
// returns what comes back, waiting for the proxy path to come up first.
func dialAndEcho(t *testing.T, port uint16, msg string) string {
	t.Helper()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	if !testutil.WaitFor(time.Second, func() bool {
		probe, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		probe.Close()
		return true
	}) {
		t.Fatalf("tunnel port %d never became acceptable", port)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf)
}
