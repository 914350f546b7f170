package wireproto

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Query, []byte("SELECT 1\x00")); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := NewDecoder(&buf, true)
	msg, err := d.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != Query {
		t.Fatalf("type = %q, want %q", msg.Type, Query)
	}
	if string(msg.Payload) != "SELECT 1\x00" {
		t.Fatalf("payload = %q", msg.Payload)
	}
}

func TestReadMessagePartialReadDoesNotDesync(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, Query, []byte("A"))
	WriteMessage(&buf, Query, []byte("B"))

	full := buf.Bytes()
	// Feed byte-at-a-time through a reader that returns 1 byte per Read call.
	d := NewDecoder(&slowReader{data: full}, true)
	m1, err := d.ReadMessage()
	if err != nil {
		t.Fatalf("first message: %v", err)
	}
	if string(m1.Payload) != "A" {
		t.Fatalf("first payload = %q", m1.Payload)
	}
	m2, err := d.ReadMessage()
	if err != nil {
		t.Fatalf("second message: %v", err)
	}
	if string(m2.Payload) != "B" {
		t.Fatalf("second payload = %q", m2.Payload)
	}
}

type slowReader struct {
	data []byte
	pos  int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p[:1], s.data[s.pos:s.pos+1])
	s.pos += n
	return n, nil
}

func TestUnknownFrontendTypeRejected(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, '~', []byte("x"))
	d := NewDecoder(&buf, true)
	_, err := d.ReadMessage()
	if err == nil {
		t.Fatal("expected error for unknown frontend type")
	}
	var ute *UnknownTypeError
	if !isUnknownType(err, &ute) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
}

func isUnknownType(err error, target **UnknownTypeError) bool {
	if ute, ok := err.(*UnknownTypeError); ok {
		*target = ute
		return true
	}
	return false
}

func TestUnknownBackendTypePassesThrough(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, '~', []byte("future-message"))
	d := NewDecoder(&buf, false)
	msg, err := d.ReadMessage()
	if err != nil {
		t.Fatalf("unexpected error for unknown backend type: %v", err)
	}
	if msg.Type != '~' {
		t.Fatalf("type = %q", msg.Type)
	}
}

func TestCopyMessageStreamsWithoutFullBuffering(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4096)
	var src bytes.Buffer
	WriteMessage(&src, CopyData, payload)

	d := NewDecoder(&src, false)
	var dst bytes.Buffer
	msgType, n, err := d.CopyMessage(&dst)
	if err != nil {
		t.Fatalf("copy message: %v", err)
	}
	if msgType != CopyData {
		t.Fatalf("type = %q", msgType)
	}
	if n != int64(len(payload)) {
		t.Fatalf("n = %d, want %d", n, len(payload))
	}
	// dst contains the re-framed header + payload verbatim.
	d2 := NewDecoder(&dst, false)
	msg, err := d2.ReadMessage()
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatal("payload mismatch after streaming copy")
	}
}

func TestReadStartupSSLRequest(t *testing.T) {
	var buf bytes.Buffer
	WriteSSLRequest(&buf)
	code, body, err := ReadStartup(&buf)
	if err != nil {
		t.Fatalf("read startup: %v", err)
	}
	if code != SSLRequestCode {
		t.Fatalf("code = %x, want %x", code, SSLRequestCode)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(body))
	}
}

func TestReadStartupCancelRequest(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 16})
	lenPrefixed := buf.Bytes()
	_ = lenPrefixed
	var full bytes.Buffer
	full.Write([]byte{0, 0, 0, 16})
	full.Write([]byte{0x04, 0xd2, 0x16, 0x2e})
	full.Write([]byte{0, 0, 0x27, 0x10}) // pid
	full.Write([]byte{0, 0, 0, 42})      // secret

	code, body, err := ReadStartup(&full)
	if err != nil {
		t.Fatalf("read startup: %v", err)
	}
	if code != CancelRequestCode {
		t.Fatalf("code = %x, want %x", code, CancelRequestCode)
	}
	cr, err := ParseCancelRequest(body)
	if err != nil {
		t.Fatalf("parse cancel: %v", err)
	}
	if cr.BackendPID != 10000 || cr.SecretKey != 42 {
		t.Fatalf("cancel request = %+v", cr)
	}
}

func TestNullTerminatedPairs(t *testing.T) {
	data := []byte("user\x00alice\x00database\x00db1\x00")
	pairs := NullTerminatedPairs(data)
	if pairs["user"] != "alice" || pairs["database"] != "db1" {
		t.Fatalf("pairs = %+v", pairs)
	}
}

func TestErrorFieldsRoundTrip(t *testing.T) {
	fields := map[byte]string{'S': "ERROR", 'C': "57014", 'M': "canceled"}
	payload := BuildErrorResponse(fields)
	parsed := ErrorFields(payload)
	if parsed['S'] != "ERROR" || parsed['C'] != "57014" || parsed['M'] != "canceled" {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestMessageLengthOverflowRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(Query)
	lenBuf := make([]byte, 4)
	// huge length
	lenBuf[0] = 0x7f
	lenBuf[1] = 0xff
	lenBuf[2] = 0xff
	lenBuf[3] = 0xff
	buf.Write(lenBuf)
	d := NewDecoder(&buf, true)
	_, err := d.ReadMessage()
	if err == nil {
		t.Fatal("expected length overflow error")
	}
}
