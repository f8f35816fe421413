// Package admin implements the read-only session-listing side channel: a
// short-lived control connection that asks a running server which
// sessions it is currently hosting.
package admin

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/skiffhq/skiff/internal/wire"
)

// ErrUnexpectedReply is returned when the server answers ListSessions with
// anything other than a Sessions message.
var ErrUnexpectedReply = errors.New("admin: unexpected reply to ListSessions")

// FetchSessions connects to to:wire.ControlPort, requests the active
// session list, and returns it. The connection is closed before returning.
func FetchSessions(to string) ([]wire.SessionInfo, error) {
	nc, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", to, wire.ControlPort), 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("admin: connect to %s: %w", to, err)
	}
	conn := wire.NewConn(nc)
	defer conn.Close()

	if err := conn.SendClient(wire.NewListSessions()); err != nil {
		return nil, fmt.Errorf("admin: send request: %w", err)
	}

	reply, err := conn.RecvServerTimeout(wire.InitialReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("admin: await reply: %w", err)
	}

	switch {
	case reply.Sessions != nil:
		return *reply.Sessions, nil
	case reply.Error != nil:
		return nil, fmt.Errorf("admin: server error: %s", *reply.Error)
	default:
		return nil, ErrUnexpectedReply
	}
}

// FormatSessions renders sessions as a simple aligned table, or "No active
// sessions." if empty.
func FormatSessions(sessions []wire.SessionInfo) string {
	if len(sessions) == 0 {
		return "No active sessions.\n"
	}
	out := fmt.Sprintf("%-10s %-7s %s\n", "SESSION", "PORT", "CONNECTED SINCE")
	for _, s := range sessions {
		out += fmt.Sprintf("%-10s %-7d %s\n", s.IDPrefix, s.Port, s.ConnectedSince.Format(time.RFC3339))
	}
	return out
}
