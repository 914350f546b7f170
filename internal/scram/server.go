package scram

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// ServerVerifier is the stored-credential form PgDog keeps for a
// configured user, analogous to a PostgreSQL pg_authid SCRAM verifier.
// NewServerVerifier derives one from a plaintext password at config load
// time so the plaintext need not be retained in memory.
type ServerVerifier struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// NewServerVerifier derives a ServerVerifier for password, generating a
// fresh random salt.
func NewServerVerifier(password string) (*ServerVerifier, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("scram: generating salt: %w", err)
	}
	return NewServerVerifierWithSalt(password, salt, DefaultIterations)
}

// NewServerVerifierWithSalt derives a verifier with an explicit salt and
// iteration count, used by configs that pin specific values for
// reproducible auth across PgDog instances sharing one user store.
func NewServerVerifierWithSalt(password string, salt []byte, iterations int) (*ServerVerifier, error) {
	salted := saltedPassword(password, salt, iterations)
	_, storedKey := clientKeyAndStored(salted)
	return &ServerVerifier{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  storedKey,
		ServerKey:  serverKey(salted),
	}, nil
}

// ServerHandshake tracks state across the two round trips of a server-side
// SCRAM-SHA-256 exchange with an incoming client.
type ServerHandshake struct {
	verifier        *ServerVerifier
	clientFirstBare string
	serverFirstMsg  string
	nonce           string
}

// NewServerHandshake starts a server-side exchange for the given user's
// stored verifier.
func NewServerHandshake(verifier *ServerVerifier) *ServerHandshake {
	return &ServerHandshake{verifier: verifier}
}

// Mechanisms returns the AuthenticationSASL payload body (after the
// 4-byte subtype, which the caller's wire layer frames separately):
// a null-terminated, double-null-terminated mechanism list.
func Mechanisms() []byte {
	return []byte(mechanismName + "\x00\x00")
}

// HandleClientFirst consumes "n,,n=<user>,r=<clientNonce>" and returns
// the server-first-message body: "r=<nonce>,s=<salt>,i=<iterations>".
func (h *ServerHandshake) HandleClientFirst(msg []byte) ([]byte, error) {
	s := string(msg)
	idx := strings.Index(s, "n=")
	if idx < 0 {
		return nil, fmt.Errorf("scram: malformed client-first-message")
	}
	h.clientFirstBare = s[idx:]
	attrs := attributes(h.clientFirstBare)
	clientNonce := attrs["r"]
	if clientNonce == "" {
		return nil, fmt.Errorf("scram: missing client nonce")
	}

	serverNonceExt, err := randomNonce()
	if err != nil {
		return nil, err
	}
	h.nonce = clientNonce + serverNonceExt

	h.serverFirstMsg = fmt.Sprintf("r=%s,s=%s,i=%d",
		h.nonce,
		base64.StdEncoding.EncodeToString(h.verifier.Salt),
		h.verifier.Iterations,
	)
	return []byte(h.serverFirstMsg), nil
}

// HandleClientFinal verifies the client's proof against the stored
// verifier and, on success, returns the server-final-message body
// ("v=<signature>"). The channel-binding attribute must be present, but
// its value is not compared against anything: PgDog never offers channel
// binding, and any value is accepted.
func (h *ServerHandshake) HandleClientFinal(msg []byte) ([]byte, error) {
	s := string(msg)
	attrs := attributes(s)
	clientBinding, clientNonce, proof64 := attrs["c"], attrs["r"], attrs["p"]
	if clientBinding == "" || clientNonce == "" || proof64 == "" {
		return nil, fmt.Errorf("scram: malformed client-final-message")
	}
	if clientNonce != h.nonce {
		return nil, fmt.Errorf("scram: nonce mismatch")
	}

	clientProof, err := base64.StdEncoding.DecodeString(proof64)
	if err != nil {
		return nil, fmt.Errorf("scram: decoding client proof: %w", err)
	}

	clientFinalWithoutProof := s[:strings.LastIndex(s, ",p=")]
	authMessage := h.clientFirstBare + "," + h.serverFirstMsg + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(h.verifier.StoredKey, []byte(authMessage))
	recoveredClientKey := xorBytes(clientProof, clientSignature)
	if !constantTimeEqual(sha256Sum(recoveredClientKey), h.verifier.StoredKey) {
		return nil, fmt.Errorf("scram: authentication failed")
	}

	serverSignature := hmacSHA256(h.verifier.ServerKey, []byte(authMessage))
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
