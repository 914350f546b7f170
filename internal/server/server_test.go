package server

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pgdog/pgdog-core/internal/cluster"
	"github.com/pgdog/pgdog-core/internal/metrics"
	"github.com/pgdog/pgdog-core/internal/pool"
	"github.com/pgdog/pgdog-core/internal/route"
	"github.com/pgdog/pgdog-core/internal/session"
)

// stubHandler stands in for *session.Handler in tests that only care about
// Stop's lifecycle, not full startup/auth/relay semantics. Server.handler
// has the concrete *session.Handler type, so such a test calls the stub
// from its own accept goroutine tracked on s.wg instead of acceptLoop.
type stubHandler struct {
	called chan net.Conn
}

func (h *stubHandler) Handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	h.called <- conn
	buf := make([]byte, 1)
	_, _ = conn.Read(buf)
	return nil
}

func testHandler(t *testing.T) *session.Handler {
	t.Helper()
	c := &cluster.Cluster{Name: "main", Shards: []cluster.Shard{{Index: 0}}}
	reg := route.NewRegistry([]*cluster.Cluster{c})
	mgr := pool.NewManager(nil, func(id cluster.Identity) (pool.ServerConfig, pool.Options) {
		return pool.ServerConfig{}, pool.Options{}
	})
	auth, err := session.NewAuthenticator(nil)
	if err != nil {
		t.Fatalf("building authenticator: %v", err)
	}
	return &session.Handler{
		Registry: reg,
		Pools:    mgr,
		Auth:     auth,
		Cancels:  session.NewCancelTable(),
		Metrics:  metrics.New(),
	}
}

func TestListenAcceptsConnections(t *testing.T) {
	s := NewServer(testHandler(t), slog.Default())
	if err := s.Listen(0); err != nil {
		t.Fatalf("listen: %v", err)
	}

	addr := s.listener.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// Closing immediately with no startup packet sent makes readStartup
	// observe EOF, so the handler goroutine returns quickly instead of
	// blocking on a read that will never be satisfied.
	conn.Close()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}

func TestStopClosesListenerAndWaitsForHandlers(t *testing.T) {
	h := &stubHandler{called: make(chan net.Conn, 1)}
	s := &Server{handler: nil, log: slog.Default()}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = h.Handle(s.ctx, conn)
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case <-h.called:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	conn.Close()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}

func TestAcceptLoopIgnoresErrorsAfterShutdown(t *testing.T) {
	s := NewServer(testHandler(t), slog.Default())
	if err := s.Listen(0); err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.Stop()

	// Cancelling the context again after Stop must not panic or block now
	// that the listener is already closed.
	s.cancel()
}
