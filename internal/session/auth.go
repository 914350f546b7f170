package session

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/pgdog/pgdog-core/internal/scram"
	"github.com/pgdog/pgdog-core/internal/wireproto"
)

// Authentication message subtypes (the 4-byte code following Authentication's
// 'R' type byte and length). wireproto only names the outer message type
// since the subtype is a protocol-specific payload detail, not framing.
const (
	authOK               uint32 = 0
	authCleartextPassword uint32 = 3
	authSASL             uint32 = 10
	authSASLContinue     uint32 = 11
	authSASLFinal        uint32 = 12
)

// UserCredential is one configured user PgDog will authenticate, and the
// cluster/database it is allowed to connect to. Deliberately independent of
// internal/config's ClusterConfig/UserConfig so this package has no
// compile-time dependency on the config file shape; cmd/pgdog adapts
// config.UserConfig into these at startup.
type UserCredential struct {
	Name     string
	Password string
	Cluster  string
	Database string
}

// Authenticator holds the configured users and their derived SCRAM
// verifiers, and performs the server side of a SCRAM-SHA-256 exchange
// against an incoming client. Verifiers are derived once at construction
// (matching the teacher's pattern of resolving config once at startup) so
// plaintext passwords are not retained longer than necessary.
type Authenticator struct {
	mu        sync.RWMutex
	creds     map[string]UserCredential
	verifiers map[string]*scram.ServerVerifier
}

// NewAuthenticator derives SCRAM verifiers for every configured user.
func NewAuthenticator(users []UserCredential) (*Authenticator, error) {
	a := &Authenticator{
		creds:     make(map[string]UserCredential, len(users)),
		verifiers: make(map[string]*scram.ServerVerifier, len(users)),
	}
	for _, u := range users {
		v, err := scram.NewServerVerifier(u.Password)
		if err != nil {
			return nil, fmt.Errorf("session: deriving verifier for user %q: %w", u.Name, err)
		}
		a.creds[u.Name] = u
		a.verifiers[u.Name] = v
	}
	return a, nil
}

// Reload replaces the configured user set in place, deriving fresh SCRAM
// verifiers before taking the write lock so an in-flight Authenticate call
// never observes a half-populated map. Used by the admin /reload endpoint
// and the config file watcher; callers keep their original *Authenticator
// rather than swapping in a new one, since cmd/pgdog hands the same
// pointer to session.Handler at startup.
func (a *Authenticator) Reload(users []UserCredential) error {
	creds := make(map[string]UserCredential, len(users))
	verifiers := make(map[string]*scram.ServerVerifier, len(users))
	for _, u := range users {
		v, err := scram.NewServerVerifier(u.Password)
		if err != nil {
			return fmt.Errorf("session: deriving verifier for user %q: %w", u.Name, err)
		}
		creds[u.Name] = u
		verifiers[u.Name] = v
	}

	a.mu.Lock()
	a.creds = creds
	a.verifiers = verifiers
	a.mu.Unlock()
	return nil
}

// Lookup returns the configured credential for a username.
func (a *Authenticator) Lookup(user string) (UserCredential, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.creds[user]
	return c, ok
}

// Authenticate runs a full SCRAM-SHA-256 challenge/response against the
// client over dec/w, returning an error if the user is unknown or the
// exchange fails at any step. It owns the wire framing for the four
// Authentication sub-messages (SASL, SASLContinue, SASLFinal, Ok); the
// session layer only supplies the transport.
func (a *Authenticator) Authenticate(dec *wireproto.Decoder, w writer, user string) error {
	a.mu.RLock()
	verifier, ok := a.verifiers[user]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: unknown user %q", user)
	}

	if err := sendAuthSubtype(w, authSASL, scram.Mechanisms()); err != nil {
		return fmt.Errorf("sending AuthenticationSASL: %w", err)
	}

	initial, err := dec.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading SASLInitialResponse: %w", err)
	}
	if initial.Type != wireproto.PasswordMsg {
		return fmt.Errorf("session: expected SASLInitialResponse, got %q", initial.Type)
	}
	clientFirst, err := stripSASLMechanism(initial.Payload)
	if err != nil {
		return err
	}

	hs := scram.NewServerHandshake(verifier)
	serverFirst, err := hs.HandleClientFirst(clientFirst)
	if err != nil {
		return fmt.Errorf("session: SCRAM client-first: %w", err)
	}
	if err := sendAuthSubtype(w, authSASLContinue, serverFirst); err != nil {
		return fmt.Errorf("sending AuthenticationSASLContinue: %w", err)
	}

	final, err := dec.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading SASLResponse: %w", err)
	}
	if final.Type != wireproto.PasswordMsg {
		return fmt.Errorf("session: expected SASLResponse, got %q", final.Type)
	}
	serverFinal, err := hs.HandleClientFinal(final.Payload)
	if err != nil {
		return fmt.Errorf("session: SCRAM client-final: %w", err)
	}
	if err := sendAuthSubtype(w, authSASLFinal, serverFinal); err != nil {
		return fmt.Errorf("sending AuthenticationSASLFinal: %w", err)
	}
	return sendAuthSubtype(w, authOK, nil)
}

// writer is the minimal surface Authenticate needs to send framed
// messages; satisfied by net.Conn and by test buffers alike.
type writer interface {
	Write(p []byte) (int, error)
}

func sendAuthSubtype(w writer, subtype uint32, body []byte) error {
	payload := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(payload[:4], subtype)
	copy(payload[4:], body)
	return wireproto.WriteMessage(w, wireproto.Authentication, payload)
}

// stripSASLMechanism parses a SASLInitialResponse body: a null-terminated
// mechanism name, a 4-byte response length, then the client-first-message.
func stripSASLMechanism(payload []byte) ([]byte, error) {
	nul := -1
	for i, b := range payload {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 || nul+5 > len(payload) {
		return nil, fmt.Errorf("session: malformed SASLInitialResponse")
	}
	n := int(binary.BigEndian.Uint32(payload[nul+1 : nul+5]))
	start := nul + 5
	if n < 0 || start+n > len(payload) {
		return nil, fmt.Errorf("session: SASLInitialResponse length out of range")
	}
	return payload[start : start+n], nil
}

// parseClusterFromOptions extracts a "-c cluster=<name>" or "cluster=<name>"
// token from a startup packet's "options" parameter, mirroring the
// teacher's parseTenantFromOptions.
func parseClusterFromOptions(options string) string {
	parts := strings.Fields(options)
	for i, p := range parts {
		if p == "-c" && i+1 < len(parts) {
			if v, ok := strings.CutPrefix(parts[i+1], "cluster="); ok {
				return v
			}
		}
		if v, ok := strings.CutPrefix(p, "cluster="); ok {
			return v
		}
	}
	return ""
}

// ExtractClusterFromUsername parses a "<cluster>__<user>" or
// "<cluster>..<user>" username, the same two separator conventions the
// teacher's router.ExtractTenantFromUsername recognizes for tenant IDs.
func ExtractClusterFromUsername(username string) (clusterName, realUser string, ok bool) {
	if idx := strings.Index(username, ".."); idx > 0 {
		return username[:idx], username[idx+2:], true
	}
	if idx := strings.Index(username, "__"); idx > 0 {
		return username[:idx], username[idx+2:], true
	}
	return "", username, false
}
