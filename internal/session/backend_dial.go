package session

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pgdog/pgdog-core/internal/backend"
	"github.com/pgdog/pgdog-core/internal/pool"
	"github.com/pgdog/pgdog-core/internal/scram"
	"github.com/pgdog/pgdog-core/internal/wireproto"
)

// DialBackend performs the client side of a PostgreSQL startup: it sends
// the StartupMessage, answers whatever authentication method the server
// asks for (trust, cleartext, or SCRAM-SHA-256), drains ParameterStatus
// and BackendKeyData up to the first ReadyForQuery, and returns an
// authenticated backend.Conn. It is the handshake callback cmd/pgdog
// passes to pool.DialPostgres; it lives here rather than in
// internal/pool so the pool package never needs to import
// internal/scram or repeat the Authentication-subtype framing that
// internal/session/auth.go already owns for the client-facing side.
func DialBackend(conn net.Conn, cfg pool.ServerConfig) (*backend.Conn, error) {
	params := map[string]string{
		"user":     cfg.User,
		"database": cfg.Database,
	}
	if err := wireproto.WriteStartupMessage(conn, params); err != nil {
		return nil, fmt.Errorf("session: sending startup message: %w", err)
	}

	dec := wireproto.NewDecoder(conn, false)
	if err := authenticateBackend(dec, conn, cfg); err != nil {
		return nil, err
	}

	c := backend.New(conn, nil)
	serverParams := make(map[string]string)
	var pid, secret uint32

	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("session: reading backend startup response: %w", err)
		}
		switch msg.Type {
		case wireproto.ParameterStatus:
			pairs := wireproto.NullTerminatedPairs(msg.Payload)
			for k, v := range pairs {
				serverParams[k] = v
			}
		case wireproto.BackendKeyData:
			if len(msg.Payload) < 8 {
				return nil, fmt.Errorf("session: malformed BackendKeyData")
			}
			pid = binary.BigEndian.Uint32(msg.Payload[0:4])
			secret = binary.BigEndian.Uint32(msg.Payload[4:8])
		case wireproto.ReadyForQuery:
			c.MarkAuthenticated(pid, secret, serverParams)
			return c, nil
		case wireproto.ErrorResponse:
			fields := wireproto.ErrorFields(msg.Payload)
			return nil, fmt.Errorf("session: backend rejected startup: %s", fields['M'])
		default:
			// NoticeResponse and similar are safe to ignore before
			// ReadyForQuery; anything unrecognized here is not.
			if msg.Type != 'N' {
				return nil, fmt.Errorf("session: unexpected message %q during backend startup", msg.Type)
			}
		}
	}
}

// authenticateBackend answers the server's first Authentication request,
// supporting the three methods a real PostgreSQL server can ask a client
// for: trust (immediate Ok), cleartext password, and SCRAM-SHA-256.
func authenticateBackend(dec *wireproto.Decoder, w net.Conn, cfg pool.ServerConfig) error {
	msg, err := dec.ReadMessage()
	if err != nil {
		return fmt.Errorf("session: reading initial authentication request: %w", err)
	}
	if msg.Type == wireproto.ErrorResponse {
		fields := wireproto.ErrorFields(msg.Payload)
		return fmt.Errorf("session: backend rejected connection: %s", fields['M'])
	}
	if msg.Type != wireproto.Authentication {
		return fmt.Errorf("session: expected Authentication message, got %q", msg.Type)
	}
	if len(msg.Payload) < 4 {
		return fmt.Errorf("session: authentication payload too short")
	}
	subtype := binary.BigEndian.Uint32(msg.Payload[0:4])

	switch subtype {
	case authOK:
		return nil
	case authCleartextPassword:
		if err := wireproto.WriteMessage(w, wireproto.PasswordMsg, append([]byte(cfg.Password), 0)); err != nil {
			return fmt.Errorf("session: sending cleartext password: %w", err)
		}
		return expectAuthOK(dec)
	case authSASL:
		mechs := scram.ParseMechanisms(msg.Payload[4:])
		if err := scram.ClientExchange(dec, w, cfg.User, cfg.Password, mechs); err != nil {
			return fmt.Errorf("session: SCRAM exchange with backend: %w", err)
		}
		return expectAuthOK(dec)
	default:
		return fmt.Errorf("session: unsupported backend authentication method %d", subtype)
	}
}

func expectAuthOK(dec *wireproto.Decoder) error {
	msg, err := dec.ReadMessage()
	if err != nil {
		return fmt.Errorf("session: reading AuthenticationOk: %w", err)
	}
	if msg.Type == wireproto.ErrorResponse {
		fields := wireproto.ErrorFields(msg.Payload)
		return fmt.Errorf("session: backend rejected credentials: %s", fields['M'])
	}
	if msg.Type != wireproto.Authentication || len(msg.Payload) < 4 {
		return fmt.Errorf("session: expected AuthenticationOk, got %q", msg.Type)
	}
	if binary.BigEndian.Uint32(msg.Payload[0:4]) != authOK {
		return fmt.Errorf("session: expected AuthenticationOk subtype")
	}
	return nil
}
