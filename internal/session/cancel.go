package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pgdog/pgdog-core/internal/wireproto"
)

// cancelEntry is the real (server, backend-pid, secret) triple a fake
// client-facing pid/secret pair currently resolves to. The session layer
// updates addr/backendPID/backendKey (through CancelTable.Bind and
// Release) every time it binds or releases a server connection, so a cancel arriving mid-transaction
// reaches the backend actually running the query.
type cancelEntry struct {
	mu          sync.Mutex
	secret      uint32
	addr        string
	backendPID  uint32
	backendKey  uint32
}

// CancelTable maps the fake pid PgDog hands a client in BackendKeyData to
// the real backend currently serving that session. One RWMutex guards the
// pid map (not split into buckets) and each entry has its own mutex for
// its backend binding, so Bind/Release only hold the map's read lock.
type CancelTable struct {
	mu      sync.RWMutex
	entries map[uint32]*cancelEntry
}

// NewCancelTable constructs an empty table.
func NewCancelTable() *CancelTable {
	return &CancelTable{entries: make(map[uint32]*cancelEntry)}
}

// Register allocates a fresh fake pid/secret pair for a new client session.
func (t *CancelTable) Register() (pid, secret uint32) {
	pid = randUint32()
	secret = randUint32()
	t.mu.Lock()
	for _, exists := t.entries[pid]; exists; _, exists = t.entries[pid] {
		pid = randUint32()
	}
	t.entries[pid] = &cancelEntry{secret: secret}
	t.mu.Unlock()
	return pid, secret
}

// Unregister removes a session's fake pid once it disconnects.
func (t *CancelTable) Unregister(pid uint32) {
	t.mu.Lock()
	delete(t.entries, pid)
	t.mu.Unlock()
}

// Bind records which real backend a fake pid currently maps to. Called
// whenever the session layer acquires a server connection for this client.
func (t *CancelTable) Bind(pid uint32, addr string, backendPID, backendKey uint32) {
	t.mu.RLock()
	e, ok := t.entries[pid]
	t.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.addr, e.backendPID, e.backendKey = addr, backendPID, backendKey
	e.mu.Unlock()
}

// Release clears a fake pid's backend binding once the server connection
// returns to the pool (transaction mode) or the session ends.
func (t *CancelTable) Release(pid uint32) {
	t.mu.RLock()
	e, ok := t.entries[pid]
	t.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.addr, e.backendPID, e.backendKey = "", 0, 0
	e.mu.Unlock()
}

// Cancel resolves a fake pid/secret pair from a CancelRequest and, if it
// matches a currently-bound backend, opens a short-lived raw connection and
// sends a real CancelRequest to it, per protocol (the real backend is not
// contacted through any pool — cancellation is fire-and-forget out of
// band).
func (t *CancelTable) Cancel(req wireproto.CancelRequest) error {
	t.mu.RLock()
	e, ok := t.entries[req.BackendPID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: cancel request for unknown session pid %d", req.BackendPID)
	}

	e.mu.Lock()
	if e.secret != req.SecretKey {
		e.mu.Unlock()
		return fmt.Errorf("session: cancel request secret mismatch")
	}
	addr, backendPID, backendKey := e.addr, e.backendPID, e.backendKey
	e.mu.Unlock()

	if addr == "" {
		// Session currently holds no server connection (transaction mode,
		// between transactions) — nothing to cancel.
		return nil
	}

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("session: dialing backend for cancel: %w", err)
	}
	defer conn.Close()

	body := make([]byte, 16)
	binary.BigEndian.PutUint32(body[:4], 16)
	binary.BigEndian.PutUint32(body[4:8], wireproto.CancelRequestCode)
	binary.BigEndian.PutUint32(body[8:12], backendPID)
	binary.BigEndian.PutUint32(body[12:], backendKey)
	_, err = conn.Write(body)
	return err
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
