package scram

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/pgdog/pgdog-core/internal/wireproto"
)

// ClientExchange drives the client side of SCRAM-SHA-256 against a real
// backend: it reads the AuthenticationSASLContinue/Final messages off r
// and writes PasswordMessages to w. mechanisms is the mechanism list from
// AuthenticationSASL (type 10), as ParseMechanisms returns it for the
// payload after its 4-byte auth-type prefix. Ported from the teacher's
// scramSHA256Auth.
func ClientExchange(r *wireproto.Decoder, w io.Writer, user, password string, mechanisms []string) error {
	if !containsMechanism(mechanisms, mechanismName) {
		return fmt.Errorf("scram: server does not offer %s, offered: %v", mechanismName, mechanisms)
	}

	clientNonce, err := randomNonce()
	if err != nil {
		return err
	}

	const gs2Header = "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", escapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := sendSASLInitialResponse(w, mechanismName, []byte(clientFirstMsg)); err != nil {
		return fmt.Errorf("scram: sending client-first-message: %w", err)
	}

	serverFirstPayload, err := readAuthSubtype(r, 11)
	if err != nil {
		return fmt.Errorf("scram: reading server-first-message: %w", err)
	}
	attrs := attributes(string(serverFirstPayload))
	serverNonce, salt64, iterStr := attrs["r"], attrs["s"], attrs["i"]
	if serverNonce == "" || salt64 == "" || iterStr == "" {
		return fmt.Errorf("scram: incomplete server-first-message: %q", serverFirstPayload)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("scram: server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		return fmt.Errorf("scram: decoding salt: %w", err)
	}
	iterations, err := parseIterations(iterStr)
	if err != nil {
		return err
	}

	salted := saltedPassword(password, salt, iterations)
	clientKey, storedKey := clientKeyAndStored(salted)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(serverFirstPayload) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := sendSASLResponse(w, []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("scram: sending client-final-message: %w", err)
	}

	serverFinalPayload, err := readAuthSubtype(r, 12)
	if err != nil {
		return fmt.Errorf("scram: reading server-final-message: %w", err)
	}
	sKey := serverKey(salted)
	expectedSig := hmacSHA256(sKey, []byte(authMessage))
	expectedFinal := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if string(serverFinalPayload) != expectedFinal {
		return fmt.Errorf("scram: server signature mismatch")
	}
	return nil
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func sendSASLInitialResponse(w io.Writer, mechanism string, clientFirstMsg []byte) error {
	payload := make([]byte, 0, len(mechanism)+1+4+len(clientFirstMsg))
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	payload = appendUint32(payload, uint32(len(clientFirstMsg)))
	payload = append(payload, clientFirstMsg...)
	return wireproto.WriteMessage(w, wireproto.PasswordMsg, payload)
}

func sendSASLResponse(w io.Writer, data []byte) error {
	return wireproto.WriteMessage(w, wireproto.PasswordMsg, data)
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// readAuthSubtype reads one Authentication message and verifies its
// 4-byte subtype matches expected, returning the payload after it.
func readAuthSubtype(d *wireproto.Decoder, expected uint32) ([]byte, error) {
	msg, err := d.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msg.Type == wireproto.ErrorResponse {
		fields := wireproto.ErrorFields(msg.Payload)
		return nil, fmt.Errorf("backend error: %s", fields['M'])
	}
	if msg.Type != wireproto.Authentication {
		return nil, fmt.Errorf("expected Authentication message, got %q", msg.Type)
	}
	if len(msg.Payload) < 4 {
		return nil, fmt.Errorf("authentication payload too short")
	}
	subtype := uint32(msg.Payload[0])<<24 | uint32(msg.Payload[1])<<16 | uint32(msg.Payload[2])<<8 | uint32(msg.Payload[3])
	if subtype != expected {
		return nil, fmt.Errorf("expected auth subtype %d, got %d", expected, subtype)
	}
	return msg.Payload[4:], nil
}

// ParseMechanisms parses a null-terminated mechanism list, as delivered
// in AuthenticationSASL payload after its 4-byte subtype prefix.
func ParseMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}
