package auth

import (
	"net"
	"testing"

	"github.com/google/uuid"

	"github.com/skiffhq/skiff/internal/wire"
)

func TestAuthenticator_AnswerValidate_RoundTrip(t *testing.T) {
	a := New("correct horse battery staple")
	nonce := uuid.New()

	tag := a.Answer(nonce)
	if !a.Validate(nonce, tag) {
		t.Fatal("expected Validate to accept the correct tag")
	}
}

func TestAuthenticator_Validate_WrongSecret(t *testing.T) {
	a := New("secret-a")
	b := New("secret-b")
	nonce := uuid.New()

	tag := a.Answer(nonce)
	if b.Validate(nonce, tag) {
		t.Fatal("expected Validate to reject a tag produced with a different secret")
	}
}

func TestAuthenticator_Validate_MalformedHex(t *testing.T) {
	a := New("secret")
	if a.Validate(uuid.New(), "not-hex!!") {
		t.Fatal("expected Validate to reject malformed hex")
	}
}

func TestAuthenticator_Validate_DifferentNonce(t *testing.T) {
	a := New("secret")
	n1, n2 := uuid.New(), uuid.New()
	tag := a.Answer(n1)
	if a.Validate(n2, tag) {
		t.Fatal("expected Validate to reject a tag for a different nonce")
	}
}

func TestHandshake_MatchingSecret_Succeeds(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	server := New("shared-secret")
	client := New("shared-secret")

	serverConn := wire.NewConn(c1)
	clientConn := wire.NewConn(c2)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ServerHandshake(serverConn) }()

	if err := client.ClientHandshake(clientConn); err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ServerHandshake: %v", err)
	}
}

func TestHandshake_MismatchedSecret_Fails(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	server := New("server-secret")
	client := New("client-secret")

	serverConn := wire.NewConn(c1)
	clientConn := wire.NewConn(c2)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ServerHandshake(serverConn) }()

	if err := client.ClientHandshake(clientConn); err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if err := <-errCh; err != ErrInvalidSecret {
		t.Fatalf("ServerHandshake err = %v, want ErrInvalidSecret", err)
	}
}

func TestServerHandshake_NoSecretFromClient(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	server := New("server-secret")
	serverConn := wire.NewConn(c1)
	clientConn := wire.NewConn(c2)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ServerHandshake(serverConn) }()

	// Client ignores the challenge and sends something else entirely.
	if _, err := clientConn.RecvServer(); err != nil {
		t.Fatalf("RecvServer: %v", err)
	}
	if err := clientConn.SendClient(wire.NewHello(0)); err != nil {
		t.Fatalf("SendClient: %v", err)
	}

	if err := <-errCh; err != ErrNoSecret {
		t.Fatalf("ServerHandshake err = %v, want ErrNoSecret", err)
	}
}
