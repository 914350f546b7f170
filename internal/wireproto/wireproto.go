// Package wireproto implements framing for the PostgreSQL v3 frontend/backend
// wire protocol: startup packets, typed messages, the SSL/cancel-request
// short circuits, and the COPY sub-protocol switch.
package wireproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Backend/frontend message type bytes used throughout the core.
const (
	Authentication   byte = 'R'
	ParameterStatus  byte = 'S'
	BackendKeyData   byte = 'K'
	ReadyForQuery    byte = 'Z'
	ErrorResponse    byte = 'E'
	NoticeResponse   byte = 'N'
	RowDescription   byte = 'T'
	DataRow          byte = 'D'
	CommandComplete  byte = 'C'
	EmptyQueryResp   byte = 'I'
	ParseComplete    byte = '1'
	BindComplete     byte = '2'
	CloseComplete    byte = '3'
	ParameterDesc    byte = 't'
	NoData           byte = 'n'
	PortalSuspended  byte = 's'
	NegotiateVersion byte = 'v'
	FunctionCallResp byte = 'V'
	CopyInResponse   byte = 'G'
	CopyOutResponse  byte = 'H'
	CopyBothResponse byte = 'W'
	CopyData         byte = 'd'
	CopyDone         byte = 'c'
	CopyFail         byte = 'f'

	Query       byte = 'Q'
	Parse       byte = 'P'
	Bind        byte = 'B'
	Describe    byte = 'D'
	Execute     byte = 'E'
	CloseMsg    byte = 'C'
	Sync        byte = 'S'
	Flush       byte = 'H'
	Terminate   byte = 'X'
	PasswordMsg byte = 'p'
)

// Startup-phase magic numbers, sent in place of a protocol version.
const (
	SSLRequestCode    uint32 = 0x04d2162f
	CancelRequestCode uint32 = 0x04d2162e
	GSSEncRequestCode uint32 = 0x04d21630
	ProtocolV3Major   uint32 = 3
	ProtocolV3Minor   uint32 = 0
)

// Errors returned by the decoder. Unknown backend message types are passed
// through unchanged for forward compatibility; only this fixed set is
// surfaced as a hard error.
var (
	ErrShortRead      = errors.New("wireproto: short read")
	ErrBadMagic       = errors.New("wireproto: bad magic in startup packet")
	ErrLengthOverflow = errors.New("wireproto: message length overflow")
	ErrUTF8InParameter = errors.New("wireproto: invalid utf8 in parameter")
)

// UnknownTypeError is returned when a frontend message carries a type byte
// the core does not recognize. Frontend messages must be well-formed;
// backend messages of unknown type are forwarded verbatim instead of
// erroring (see NewDecoder doc).
type UnknownTypeError struct {
	Type byte
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("wireproto: unknown frontend message type %q", e.Type)
}

// MaxMessageLength bounds a single message payload to guard against a
// corrupt length field causing an unbounded allocation.
const MaxMessageLength = 1 << 28

// Message is a single typed protocol message with its payload fully
// buffered. Used for messages the core must inspect (Query, Parse, Bind,
// authentication, ReadyForQuery, ...).
type Message struct {
	Type    byte
	Payload []byte
}

// Len returns the on-wire length field value (payload + 4 bytes self-length).
func (m Message) Len() int32 {
	return int32(len(m.Payload) + 4)
}

// Decoder reads framed messages from a backend or frontend stream.
// It tracks COPY submode so callers can switch how they interpret frames,
// but framing itself (type + int32 length + payload) is identical inside
// and outside COPY mode — only the surrounding protocol semantics differ.
type Decoder struct {
	r        *bufio.Reader
	inCopy   bool
	fromFrontend bool
}

// NewDecoder wraps r. fromFrontend controls whether unknown message types
// are rejected (frontend, strict) or passed through (backend, lenient —
// future PostgreSQL versions may add backend message types).
func NewDecoder(r io.Reader, fromFrontend bool) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 16*1024), fromFrontend: fromFrontend}
}

// SetCopyMode toggles COPY sub-protocol tracking. The decoder does not
// change its framing in COPY mode (CopyData frames are length-prefixed
// exactly like any other message) but callers consult InCopyMode() to
// decide how to interpret a CopyData payload.
func (d *Decoder) SetCopyMode(in bool) { d.inCopy = in }

// InCopyMode reports whether the decoder believes the stream is mid-COPY.
func (d *Decoder) InCopyMode() bool { return d.inCopy }

// ReadStartup reads a length-prefixed startup packet (no type byte) and
// returns the raw 4-byte code word that follows the length (either a
// protocol version, SSLRequestCode, or CancelRequestCode) along with the
// remaining body.
func ReadStartup(r io.Reader) (code uint32, body []byte, err error) {
	lenBuf := make([]byte, 4)
	if _, err = io.ReadFull(r, lenBuf); err != nil {
		return 0, nil, fmt.Errorf("reading startup length: %w", err)
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	if msgLen < 8 || msgLen > 10000 {
		return 0, nil, fmt.Errorf("%w: invalid startup length %d", ErrBadMagic, msgLen)
	}
	buf := make([]byte, msgLen-4)
	if _, err = io.ReadFull(r, buf); err != nil {
		return 0, nil, fmt.Errorf("reading startup body: %w", err)
	}
	code = binary.BigEndian.Uint32(buf[:4])
	return code, buf[4:], nil
}

// WriteStartupMessage assembles a StartupMessage body (protocol version 3.0
// followed by null-terminated key/value parameter pairs and a terminator)
// and writes it with its length prefix.
func WriteStartupMessage(w io.Writer, params map[string]string) error {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, ProtocolV3Major<<16|ProtocolV3Minor)
	body = append(body, ver...)
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(4+len(body)))
	_, err := w.Write(append(msgLen, body...))
	return err
}

// WriteSSLRequest writes the SSLRequest short-circuit packet.
func WriteSSLRequest(w io.Writer) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[:4], 8)
	binary.BigEndian.PutUint32(buf[4:], SSLRequestCode)
	_, err := w.Write(buf)
	return err
}

// CancelRequest is the parsed body of a cancel-request packet. It is never
// routed through a pool: the session layer dispatches it directly against
// the mapped backend process.
type CancelRequest struct {
	BackendPID uint32
	SecretKey  uint32
}

// ParseCancelRequest parses the body following the CancelRequestCode magic.
func ParseCancelRequest(body []byte) (CancelRequest, error) {
	if len(body) < 8 {
		return CancelRequest{}, fmt.Errorf("%w: cancel request body too short", ErrShortRead)
	}
	return CancelRequest{
		BackendPID: binary.BigEndian.Uint32(body[:4]),
		SecretKey:  binary.BigEndian.Uint32(body[4:8]),
	}, nil
}

// ReadMessage reads one typed message (1-byte type + 4-byte length,
// inclusive of itself + payload). Partial reads never desync the stream:
// io.ReadFull either completes the exact frame or returns an error without
// consuming a partial frame's trailing bytes from the caller's perspective.
func (d *Decoder) ReadMessage() (Message, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(d.r, typeBuf); err != nil {
		return Message{}, err
	}
	msgType := typeBuf[0]

	if d.fromFrontend && !isKnownFrontendType(msgType) {
		return Message{}, &UnknownTypeError{Type: msgType}
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(d.r, lenBuf); err != nil {
		return Message{}, fmt.Errorf("reading length for %q: %w", msgType, err)
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 0 || payloadLen > MaxMessageLength {
		return Message{}, fmt.Errorf("%w: %d", ErrLengthOverflow, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Message{}, fmt.Errorf("reading payload for %q: %w", msgType, err)
		}
	}
	return Message{Type: msgType, Payload: payload}, nil
}

// CopyMessage reads a message header and streams its payload to dst without
// fully buffering it — the zero-copy forwarding path used for large
// DataRow/CopyData/parameter payloads. It returns the type byte and the
// number of payload bytes copied.
func (d *Decoder) CopyMessage(dst io.Writer) (byte, int64, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(d.r, typeBuf); err != nil {
		return 0, 0, err
	}
	msgType := typeBuf[0]

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(d.r, lenBuf); err != nil {
		return 0, 0, fmt.Errorf("reading length for %q: %w", msgType, err)
	}
	payloadLen := int64(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 0 || payloadLen > MaxMessageLength {
		return 0, 0, fmt.Errorf("%w: %d", ErrLengthOverflow, payloadLen)
	}

	header := make([]byte, 5)
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:], uint32(payloadLen+4))
	if _, err := dst.Write(header); err != nil {
		io.CopyN(io.Discard, d.r, payloadLen)
		return 0, 0, err
	}

	n, err := io.CopyN(dst, d.r, payloadLen)
	return msgType, n, err
}

// WriteMessage writes a single typed message.
func WriteMessage(w io.Writer, msgType byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

func isKnownFrontendType(t byte) bool {
	switch t {
	case Query, Parse, Bind, Describe, Execute, CloseMsg, Sync, Flush,
		Terminate, PasswordMsg, CopyData, CopyDone, CopyFail, 'F':
		return true
	default:
		return false
	}
}

// NullTerminatedPairs parses a sequence of "key\0value\0..." pairs, as used
// in ParameterStatus and startup parameters.
func NullTerminatedPairs(data []byte) map[string]string {
	out := make(map[string]string)
	for len(data) > 1 {
		keyEnd := indexByte(data, 0)
		if keyEnd < 0 {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]
		valEnd := indexByte(data, 0)
		if valEnd < 0 {
			break
		}
		out[key] = string(data[:valEnd])
		data = data[valEnd+1:]
	}
	return out
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// ErrorFields extracts the standard ErrorResponse/NoticeResponse field
// tuples (S, C, M, D, H, P, p, q, W, s, t, c, d, n, F, L, R) from a payload.
func ErrorFields(payload []byte) map[byte]string {
	fields := make(map[byte]string)
	i := 0
	for i < len(payload) {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		fields[fieldType] = string(payload[start:i])
		i++
	}
	return fields
}

// BuildErrorResponse assembles an ErrorResponse/NoticeResponse payload from
// field tuples, terminated per protocol.
func BuildErrorResponse(fields map[byte]string) []byte {
	var buf []byte
	for k, v := range fields {
		buf = append(buf, k)
		buf = append(buf, v...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	return buf
}
