package backend

import (
	"net"
	"testing"
	"time"
)

type fakePool struct {
	returned *Conn
}

func (f *fakePool) Return(c *Conn) { f.returned = c }

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return New(client, nil), server
}

func TestMarkAuthenticatedTransitionsToIdle(t *testing.T) {
	c, _ := pipeConn(t)
	if c.State() != Connecting {
		t.Fatalf("state = %v, want Connecting", c.State())
	}
	c.MarkAuthenticated(123, 456, map[string]string{"server_version": "16.0"})
	if c.State() != Idle {
		t.Fatalf("state = %v, want Idle", c.State())
	}
	if !c.IsAuthenticated() {
		t.Fatal("expected authenticated")
	}
	if c.BackendPID() != 123 || c.BackendKey() != 456 {
		t.Fatalf("pid=%d key=%d", c.BackendPID(), c.BackendKey())
	}
	if c.ServerParams()["server_version"] != "16.0" {
		t.Fatalf("params = %+v", c.ServerParams())
	}
}

func TestActiveIdleLifecycle(t *testing.T) {
	c, _ := pipeConn(t)
	c.MarkAuthenticated(1, 1, nil)
	c.MarkActive()
	if c.State() != Active {
		t.Fatalf("state = %v, want Active", c.State())
	}
	c.SetSynchronized(true, TxnIdle)
	if !c.Synchronized() {
		t.Fatal("expected synchronized")
	}
	c.MarkIdle()
	if c.State() != Idle {
		t.Fatalf("state = %v, want Idle", c.State())
	}
}

func TestDirtyFlagRoundTrip(t *testing.T) {
	c, _ := pipeConn(t)
	c.RegisterPreparedStatement("SELECT 1", "s1")
	c.MarkDirty()
	if !c.IsDirty() {
		t.Fatal("expected dirty")
	}
	c.ClearDirty()
	if c.IsDirty() {
		t.Fatal("expected clean after ClearDirty")
	}
	if _, ok := c.PreparedStatementName("SELECT 1"); ok {
		t.Fatal("prepared statement cache should be cleared with dirty state")
	}
}

func TestBrokenConnCannotBeReused(t *testing.T) {
	c, _ := pipeConn(t)
	c.MarkBroken()
	if !c.IsBroken() {
		t.Fatal("expected broken")
	}
}

func TestReturnDelegatesToPool(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	fp := &fakePool{}
	c := New(client, fp)
	c.Return()
	if fp.returned != c {
		t.Fatal("expected Return to delegate to pool")
	}
}

func TestIsExpiredAndIdleTimedOut(t *testing.T) {
	c, _ := pipeConn(t)
	c.createdAt = time.Now().Add(-time.Hour)
	if !c.IsExpired(time.Minute) {
		t.Fatal("expected expired")
	}
	if c.IsExpired(0) {
		t.Fatal("zero maxLifetime disables expiry")
	}

	c.MarkAuthenticated(1, 1, nil)
	c.mu.Lock()
	c.lastUsed = time.Now().Add(-time.Hour)
	c.mu.Unlock()
	if !c.IsIdleTimedOut(time.Minute) {
		t.Fatal("expected idle timeout")
	}
}

func TestPreparedStatementCache(t *testing.T) {
	c, _ := pipeConn(t)
	if _, ok := c.PreparedStatementName("SELECT 1"); ok {
		t.Fatal("expected miss before registration")
	}
	c.RegisterPreparedStatement("SELECT 1", "s1")
	name, ok := c.PreparedStatementName("SELECT 1")
	if !ok || name != "s1" {
		t.Fatalf("name=%q ok=%v", name, ok)
	}
}
