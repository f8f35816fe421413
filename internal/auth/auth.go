// Package auth implements the HMAC-SHA256 challenge/response handshake
// that authenticates control and data connections against a shared
// secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/skiffhq/skiff/internal/wire"
)

// Errors surfaced by the handshake.
var (
	ErrInvalidSecret = errors.New("auth: invalid secret")
	ErrNoSecret      = errors.New("auth: no secret was provided")
	ErrNoChallenge   = errors.New("auth: no challenge received")
	ErrUnexpected    = errors.New("auth: unexpected message during handshake")
)

// Authenticator answers and validates HMAC-SHA256 challenges derived from
// a shared secret. The secret is hashed once at construction so the HMAC
// key has a fixed size regardless of the secret's length.
type Authenticator struct {
	key []byte
}

// New derives an Authenticator from a shared secret string.
func New(secret string) *Authenticator {
	sum := sha256.Sum256([]byte(secret))
	return &Authenticator{key: sum[:]}
}

// Answer computes the hex-encoded HMAC-SHA256 tag for a nonce.
func (a *Authenticator) Answer(nonce uuid.UUID) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(nonce[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate reports whether tag is the correct hex-encoded answer to nonce.
func (a *Authenticator) Validate(nonce uuid.UUID, tag string) bool {
	got, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write(nonce[:])
	want := mac.Sum(nil)
	return hmac.Equal(got, want)
}

// ServerHandshake runs the server's half of the handshake over conn: send
// a fresh Challenge, await an Authenticate reply within the initial read
// timeout, and validate it.
func (a *Authenticator) ServerHandshake(conn *wire.Conn) error {
	nonce := uuid.New()
	if err := conn.SendServer(wire.NewChallenge(nonce)); err != nil {
		return fmt.Errorf("auth: send challenge: %w", err)
	}

	msg, err := conn.RecvClientTimeout(wire.InitialReadTimeout)
	if err != nil {
		return fmt.Errorf("auth: await authenticate: %w", err)
	}
	if msg.Authenticate == nil {
		return ErrNoSecret
	}
	if !a.Validate(nonce, *msg.Authenticate) {
		return ErrInvalidSecret
	}
	return nil
}

// ClientHandshake runs the client's half of the handshake over conn: await
// a Challenge within the initial read timeout and reply with the computed
// Authenticate tag.
func (a *Authenticator) ClientHandshake(conn *wire.Conn) error {
	msg, err := conn.RecvServerTimeout(wire.InitialReadTimeout)
	if err != nil {
		return fmt.Errorf("auth: await challenge: %w", err)
	}
	if msg.Challenge == nil {
		return ErrNoChallenge
	}
	tag := a.Answer(*msg.Challenge)
	if err := conn.SendClient(wire.NewAuthenticate(tag)); err != nil {
		return fmt.Errorf("auth: send authenticate: %w", err)
	}
	return nil
}
