// Package e2e exercises the skiff client and server together over real
// loopback TCP connections, the way two separate binaries would talk to
// each other in production.
package e2e

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/skiffhq/skiff/internal/admin"
	"github.com/skiffhq/skiff/internal/client"
	"github.com/skiffhq/skiff/internal/server"
	"github.com/skiffhq/skiff/test/testutil"
)

// startServer binds the fixed control port and runs a server until the
// test ends. Since every test in this file shares that one port, these
// tests cannot run with t.Parallel(); the cleanup startServer registers
// waits until Listen has actually returned, so the port is free before the
// next test starts.
func startServer(t *testing.T, minPort, maxPort uint16, secret string) {
	t.Helper()
	srv, err := server.New(minPort, maxPort, secret, server.Options{})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		srv.Listen(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	time.Sleep(20 * time.Millisecond)
}

func dialLine(t *testing.T, port uint16, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial tunnel port %d: %v", port, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(line))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf)
}

func TestE2E_InvalidServerAddress(t *testing.T) {
	_, err := client.New("127.0.0.1", 9, "malformed !$uri$%", 0, "", client.Options{})
	if err == nil {
		t.Fatal("expected client construction to fail for a malformed server address")
	}
}

func TestE2E_EmptyPortRange_RejectedAtConstruction(t *testing.T) {
	_, err := server.New(5000, 4000, "", server.Options{})
	if err == nil {
		t.Fatal("expected an empty port range to be rejected")
	}
}

func TestE2E_BasicProxy_NoSecret(t *testing.T) {
	echoPort, closeEcho := testutil.EchoListener()
	defer closeEcho()

	startServer(t, 23000, 23100, "")

	c, err := client.New("127.0.0.1", uint16(echoPort), "127.0.0.1", 0, "", client.Options{})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	ctx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	go c.Listen(ctx)
	time.Sleep(20 * time.Millisecond)

	got := dialLine(t, c.RemotePort(), "round trip through the tunnel")
	if got != "round trip through the tunnel" {
		t.Fatalf("got %q", got)
	}
}

func TestE2E_MatchingSecret_Succeeds(t *testing.T) {
	echoPort, closeEcho := testutil.EchoListener()
	defer closeEcho()

	startServer(t, 23200, 23300, "tunnel-secret")

	c, err := client.New("127.0.0.1", uint16(echoPort), "127.0.0.1", 0, "tunnel-secret", client.Options{})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	ctx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	go c.Listen(ctx)
	time.Sleep(20 * time.Millisecond)

	got := dialLine(t, c.RemotePort(), "secured")
	if got != "secured" {
		t.Fatalf("got %q", got)
	}
}

func TestE2E_MismatchedSecret_RejectsClient(t *testing.T) {
	startServer(t, 23400, 23500, "server-secret")

	_, err := client.New("127.0.0.1", 9, "127.0.0.1", 0, "wrong-secret", client.Options{})
	if err == nil {
		t.Fatal("expected client construction to fail with the wrong secret")
	}
}

func TestE2E_MismatchedSecret_ClientSecretButServerNone(t *testing.T) {
	startServer(t, 23600, 23700, "")

	// The server has no secret configured, so it never sends a Challenge;
	// a client configured with a secret waits for one that never arrives
	// and times out. Operators on either end of a tunnel must agree on
	// whether a secret is in use.
	_, err := client.New("127.0.0.1", 9, "127.0.0.1", 0, "client-secret", client.Options{})
	if err == nil {
		t.Fatal("expected client construction to fail when only the client configures a secret")
	}
}

func TestE2E_AdminListSessions(t *testing.T) {
	echoPort, closeEcho := testutil.EchoListener()
	defer closeEcho()

	startServer(t, 23800, 23900, "")

	c, err := client.New("127.0.0.1", uint16(echoPort), "127.0.0.1", 0, "", client.Options{})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	ctx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	go c.Listen(ctx)
	time.Sleep(20 * time.Millisecond)

	sessions, err := admin.FetchSessions("127.0.0.1")
	if err != nil {
		t.Fatalf("FetchSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Port != c.RemotePort() {
		t.Fatalf("got %+v, want one session on port %d", sessions, c.RemotePort())
	}
}

