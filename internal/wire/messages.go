package wire

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ClientMessage is the externally-tagged union of messages a client may
// send on a control or data connection. Exactly one field is set.
type ClientMessage struct {
	Authenticate *string    // hex-encoded HMAC tag answering a Challenge
	Hello        *uint16    // requested public port, 0 = any
	Accept       *uuid.UUID // this connection is the data leg for this ID
	ListSessions bool       // admin: request the active session list
}

// ServerMessage is the externally-tagged union of messages a server may
// send on a control connection. Exactly one field is set (Heartbeat is a
// bare marker with no payload).
type ServerMessage struct {
	Challenge  *uuid.UUID // nonce to answer with Authenticate
	Hello      *uint16    // assigned public port
	Heartbeat  bool       // liveness probe, no payload
	Connection *uuid.UUID // a visitor arrived, dial back with Accept
	Error      *string    // fatal control-protocol error
	Sessions   *[]SessionInfo // admin: active session snapshot
}

// SessionInfo describes one active hosting session for the admin listing.
type SessionInfo struct {
	IDPrefix       string    `json:"id_prefix"`
	Port           uint16    `json:"port"`
	ConnectedSince time.Time `json:"connected_since"`
}

// NewAuthenticate builds a ClientMessage carrying an Authenticate reply.
func NewAuthenticate(tag string) ClientMessage { return ClientMessage{Authenticate: &tag} }

// NewHello builds a ClientMessage requesting the given port (0 = any).
func NewHello(port uint16) ClientMessage { return ClientMessage{Hello: &port} }

// NewAccept builds a ClientMessage accepting a dispatched connection.
func NewAccept(id uuid.UUID) ClientMessage { return ClientMessage{Accept: &id} }

// NewListSessions builds the admin session-listing request.
func NewListSessions() ClientMessage { return ClientMessage{ListSessions: true} }

// NewChallenge builds a ServerMessage carrying an auth nonce.
func NewChallenge(nonce uuid.UUID) ServerMessage { return ServerMessage{Challenge: &nonce} }

// NewServerHello builds a ServerMessage carrying the assigned port.
func NewServerHello(port uint16) ServerMessage { return ServerMessage{Hello: &port} }

// NewHeartbeat builds the zero-payload heartbeat message.
func NewHeartbeat() ServerMessage { return ServerMessage{Heartbeat: true} }

// NewConnection builds a ServerMessage dispatching a visitor.
func NewConnection(id uuid.UUID) ServerMessage { return ServerMessage{Connection: &id} }

// NewError builds a ServerMessage carrying a fatal error description.
func NewError(msg string) ServerMessage { return ServerMessage{Error: &msg} }

// NewSessions builds the admin session-listing reply.
func NewSessions(sessions []SessionInfo) ServerMessage { return ServerMessage{Sessions: &sessions} }

// MarshalJSON encodes the set variant as a single-key object, or as the
// bare string "ListSessions" for the marker variant.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Authenticate != nil:
		return json.Marshal(map[string]string{"Authenticate": *m.Authenticate})
	case m.Hello != nil:
		return json.Marshal(map[string]uint16{"Hello": *m.Hello})
	case m.Accept != nil:
		return json.Marshal(map[string]uuid.UUID{"Accept": *m.Accept})
	case m.ListSessions:
		return json.Marshal("ListSessions")
	}
	return nil, errors.New("wire: empty ClientMessage")
}

// UnmarshalJSON decodes a single-key object or the bare "ListSessions"
// marker into the corresponding field.
func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		switch bare {
		case "ListSessions":
			*m = ClientMessage{ListSessions: true}
			return nil
		default:
			return fmt.Errorf("wire: unknown client message %q", bare)
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("wire: decode client message: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("wire: client message must have exactly one key, got %d", len(obj))
	}
	for key, raw := range obj {
		switch key {
		case "Authenticate":
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("wire: Authenticate payload: %w", err)
			}
			m.Authenticate = &v
		case "Hello":
			var v uint16
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("wire: Hello payload: %w", err)
			}
			m.Hello = &v
		case "Accept":
			var v uuid.UUID
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("wire: Accept payload: %w", err)
			}
			m.Accept = &v
		default:
			return fmt.Errorf("wire: unknown client message variant %q", key)
		}
	}
	return nil
}

// MarshalJSON encodes the set variant as a single-key object, or as the
// bare string "Heartbeat" for the marker variant.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Challenge != nil:
		return json.Marshal(map[string]uuid.UUID{"Challenge": *m.Challenge})
	case m.Hello != nil:
		return json.Marshal(map[string]uint16{"Hello": *m.Hello})
	case m.Heartbeat:
		return json.Marshal("Heartbeat")
	case m.Connection != nil:
		return json.Marshal(map[string]uuid.UUID{"Connection": *m.Connection})
	case m.Error != nil:
		return json.Marshal(map[string]string{"Error": *m.Error})
	case m.Sessions != nil:
		return json.Marshal(map[string][]SessionInfo{"Sessions": *m.Sessions})
	}
	return nil, errors.New("wire: empty ServerMessage")
}

// UnmarshalJSON decodes a single-key object or the bare "Heartbeat" marker
// into the corresponding field.
func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		switch bare {
		case "Heartbeat":
			*m = ServerMessage{Heartbeat: true}
			return nil
		default:
			return fmt.Errorf("wire: unknown server message %q", bare)
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("wire: decode server message: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("wire: server message must have exactly one key, got %d", len(obj))
	}
	for key, raw := range obj {
		switch key {
		case "Challenge":
			var v uuid.UUID
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("wire: Challenge payload: %w", err)
			}
			m.Challenge = &v
		case "Hello":
			var v uint16
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("wire: Hello payload: %w", err)
			}
			m.Hello = &v
		case "Connection":
			var v uuid.UUID
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("wire: Connection payload: %w", err)
			}
			m.Connection = &v
		case "Error":
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("wire: Error payload: %w", err)
			}
			m.Error = &v
		case "Sessions":
			var v []SessionInfo
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("wire: Sessions payload: %w", err)
			}
			m.Sessions = &v
		default:
			return fmt.Errorf("wire: unknown server message variant %q", key)
		}
	}
	return nil
}

// SendClient writes a ClientMessage frame.
func (c *Conn) SendClient(m ClientMessage) error { return c.WriteFrame(m) }

// SendServer writes a ServerMessage frame.
func (c *Conn) SendServer(m ServerMessage) error { return c.WriteFrame(m) }

// RecvClient reads and decodes the next frame as a ClientMessage.
func (c *Conn) RecvClient() (ClientMessage, error) {
	var m ClientMessage
	frame, err := c.ReadFrame()
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(frame, &m)
	return m, err
}

// RecvServer reads and decodes the next frame as a ServerMessage.
func (c *Conn) RecvServer() (ServerMessage, error) {
	var m ServerMessage
	frame, err := c.ReadFrame()
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(frame, &m)
	return m, err
}

// RecvClientTimeout is RecvClient bounded by d.
func (c *Conn) RecvClientTimeout(d time.Duration) (ClientMessage, error) {
	var m ClientMessage
	frame, err := c.ReadFrameTimeout(d)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(frame, &m)
	return m, err
}

// RecvServerTimeout is RecvServer bounded by d.
func (c *Conn) RecvServerTimeout(d time.Duration) (ServerMessage, error) {
	var m ServerMessage
	frame, err := c.ReadFrameTimeout(d)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(frame, &m)
	return m, err
}
