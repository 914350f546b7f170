// Package scram implements SASL SCRAM-SHA-256 (RFC 5802) for both roles
// PgDog plays: the client role when dialing a real backend with a
// configured password, and the server role when authenticating an
// incoming client connection. The client side is ported from the
// teacher's pool/scram.go (scramSHA256Auth and its helpers); the server
// side is new, since the teacher never authenticates inbound connections
// itself — it only ever dials outward.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultIterations = 4096
	mechanismName     = "SCRAM-SHA-256"
)

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// escapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802
// saslprep escaping rules for the "n=" attribute.
func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

// saltedPassword derives the salted password used to compute both the
// client and server keys.
func saltedPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
}

func clientKeyAndStored(salted []byte) (clientKey, storedKey []byte) {
	clientKey = hmacSHA256(salted, []byte("Client Key"))
	storedKey = sha256Sum(clientKey)
	return
}

func serverKey(salted []byte) []byte {
	return hmacSHA256(salted, []byte("Server Key"))
}

// attributes splits a comma-separated SCRAM message into its "k=v" parts.
func attributes(msg string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' {
			continue
		}
		out[part[:1]] = part[2:]
	}
	return out
}

func randomNonce() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("scram: generating nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// parseIterations parses the "i=" attribute, defaulting to an error on
// malformed input rather than silently falling back.
func parseIterations(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("scram: invalid iteration count %q", s)
	}
	return n, nil
}
