package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgdog/pgdog-core/internal/backend"
	"github.com/pgdog/pgdog-core/internal/cluster"
	"github.com/pgdog/pgdog-core/internal/inspect"
	"github.com/pgdog/pgdog-core/internal/plugin"
	"github.com/pgdog/pgdog-core/internal/pool"
	"github.com/pgdog/pgdog-core/internal/route"
	"github.com/pgdog/pgdog-core/internal/wireproto"
)

func TestParseClusterFromOptionsFindsDashCForm(t *testing.T) {
	if got := parseClusterFromOptions("-c search_path=public -c cluster=main"); got != "main" {
		t.Fatalf("got %q", got)
	}
}

func TestParseClusterFromOptionsFindsBareForm(t *testing.T) {
	if got := parseClusterFromOptions("cluster=analytics"); got != "analytics" {
		t.Fatalf("got %q", got)
	}
}

func TestParseClusterFromOptionsEmpty(t *testing.T) {
	if got := parseClusterFromOptions("-c search_path=public"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractClusterFromUsernameDoubleUnderscore(t *testing.T) {
	c, u, ok := ExtractClusterFromUsername("main__alice")
	if !ok || c != "main" || u != "alice" {
		t.Fatalf("got %q %q %v", c, u, ok)
	}
}

func TestExtractClusterFromUsernameDoubleDot(t *testing.T) {
	c, u, ok := ExtractClusterFromUsername("main..alice")
	if !ok || c != "main" || u != "alice" {
		t.Fatalf("got %q %q %v", c, u, ok)
	}
}

func TestExtractClusterFromUsernameNoSeparator(t *testing.T) {
	c, u, ok := ExtractClusterFromUsername("alice")
	if ok || c != "" || u != "alice" {
		t.Fatalf("got %q %q %v", c, u, ok)
	}
}

func TestStripSASLMechanism(t *testing.T) {
	clientFirst := "n,,n=user,r=fyko+d2lbbFgONRv9qkxdawL"
	payload := append([]byte("SCRAM-SHA-256\x00"), 0, 0, 0, byte(len(clientFirst)))
	payload = append(payload, clientFirst...)
	got, err := stripSASLMechanism(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != clientFirst {
		t.Fatalf("got %q want %q", got, clientFirst)
	}
}

func TestStripSASLMechanismMalformed(t *testing.T) {
	if _, err := stripSASLMechanism([]byte("no-nul-here")); err == nil {
		t.Fatal("expected error for missing nul terminator")
	}
}

func TestNewAuthenticatorAndLookup(t *testing.T) {
	a, err := NewAuthenticator([]UserCredential{
		{Name: "alice", Password: "secret", Cluster: "main", Database: "app"},
	})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	cred, ok := a.Lookup("alice")
	if !ok || cred.Cluster != "main" {
		t.Fatalf("got %+v %v", cred, ok)
	}
	if _, ok := a.Lookup("bob"); ok {
		t.Fatal("expected unknown user to miss")
	}
}

func TestCancelTableBindThenRelease(t *testing.T) {
	ct := NewCancelTable()
	pid, secret := ct.Register()
	defer ct.Unregister(pid)

	ct.Bind(pid, "127.0.0.1:5432", 99, 12345)
	ct.Release(pid)

	// After Release the entry has no bound address, so Cancel is a no-op
	// rather than attempting to dial.
	err := ct.Cancel(wireproto.CancelRequest{BackendPID: pid, SecretKey: secret})
	if err != nil {
		t.Fatalf("expected no-op cancel after release, got %v", err)
	}
}

func TestCancelTableCancelUnknownPID(t *testing.T) {
	ct := NewCancelTable()
	err := ct.Cancel(wireproto.CancelRequest{BackendPID: 999, SecretKey: 1})
	if err == nil {
		t.Fatal("expected error for unknown pid")
	}
}

func TestCancelTableCancelSecretMismatch(t *testing.T) {
	ct := NewCancelTable()
	pid, _ := ct.Register()
	defer ct.Unregister(pid)

	err := ct.Cancel(wireproto.CancelRequest{BackendPID: pid, SecretKey: 0})
	if err == nil {
		t.Fatal("expected secret mismatch error")
	}
}

func TestDetectSessionPinNamedPrepare(t *testing.T) {
	payload := append([]byte("my_stmt"), 0)
	payload = append(payload, "SELECT 1"...)
	payload = append(payload, 0, 0, 0)
	if !detectSessionPin(wireproto.Parse, payload) {
		t.Fatal("expected named Parse to pin")
	}
}

func TestDetectSessionPinUnnamedPrepareDoesNotPin(t *testing.T) {
	payload := []byte{0}
	payload = append(payload, "SELECT 1"...)
	payload = append(payload, 0, 0, 0)
	if detectSessionPin(wireproto.Parse, payload) {
		t.Fatal("unnamed Parse should not pin")
	}
}

func TestDetectSessionPinListen(t *testing.T) {
	payload := append([]byte("LISTEN foo"), 0)
	if !detectSessionPin(wireproto.Query, payload) {
		t.Fatal("expected LISTEN to pin")
	}
}

func TestDetectSessionPinOrdinarySelectDoesNotPin(t *testing.T) {
	payload := append([]byte("SELECT 1"), 0)
	if detectSessionPin(wireproto.Query, payload) {
		t.Fatal("ordinary SELECT should not pin")
	}
}

func TestPinReasonNamedStatement(t *testing.T) {
	if got := pinReason(wireproto.Parse, nil); got != "named prepared statement" {
		t.Fatalf("got %q", got)
	}
}

func TestPinReasonQueryCommand(t *testing.T) {
	payload := append([]byte("LISTEN foo"), 0)
	if got := pinReason(wireproto.Query, payload); got != "listen command" {
		t.Fatalf("got %q", got)
	}
}

func TestCStringStopsAtNul(t *testing.T) {
	if got := cString([]byte("abc\x00def")); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestCStringNoNul(t *testing.T) {
	if got := cString([]byte("abc")); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitParseMessage(t *testing.T) {
	payload := append([]byte("stmt1"), 0)
	payload = append(payload, "SELECT $1"...)
	payload = append(payload, 0, 0, 0)
	name, sql, rest := splitParseMessage(payload)
	if name != "stmt1" || sql != "SELECT $1" {
		t.Fatalf("got name=%q sql=%q", name, sql)
	}
	if len(rest) != 2 {
		t.Fatalf("got rest len %d", len(rest))
	}
}

func TestIsWriteKind(t *testing.T) {
	cases := map[inspect.Kind]bool{
		inspect.Insert:  true,
		inspect.Update:  true,
		inspect.Delete:  true,
		inspect.Ddl:     true,
		inspect.Unknown: false,
	}
	for k, want := range cases {
		if got := isWriteKind(k); got != want {
			t.Fatalf("isWriteKind(%v) = %v want %v", k, got, want)
		}
	}
}

func TestIdentityForBuildsFromClusterAndDecision(t *testing.T) {
	s := &clientSession{
		c:    &cluster.Cluster{Name: "main", Database: "app"},
		cred: UserCredential{Name: "alice"},
	}
	id := s.identityFor(route.Decision{Selector: route.SelectorDirect, ShardIndex: 2, Role: cluster.RoleReplica})
	if id.Cluster != "main" || id.Shard != 2 || id.Role != cluster.RoleReplica || id.User != "alice" || id.Database != "app" {
		t.Fatalf("got %+v", id)
	}
}

func TestClassifyQueryMessage(t *testing.T) {
	s := &clientSession{c: &cluster.Cluster{Name: "main"}}
	payload := append([]byte("INSERT INTO foo (id) VALUES (1)"), 0)
	meta := s.classify(wireproto.Message{Type: wireproto.Query, Payload: payload})
	if meta.Kind != inspect.Insert {
		t.Fatalf("got kind %v", meta.Kind)
	}
}

func TestClassifyUnknownMessageType(t *testing.T) {
	s := &clientSession{c: &cluster.Cluster{Name: "main"}}
	meta := s.classify(wireproto.Message{Type: wireproto.Bind, Payload: []byte("x")})
	if meta.Kind != inspect.Unknown {
		t.Fatalf("got kind %v", meta.Kind)
	}
}

type forwardRouter struct{ shard int }

func (forwardRouter) Init(ctx context.Context) error { return nil }
func (r forwardRouter) RouteQuery(ctx context.Context, in plugin.Input) (plugin.Decision, error) {
	return plugin.Decision{Kind: plugin.Forward, Route: plugin.Route{ShardIndex: r.shard, Role: cluster.RolePrimary}}, nil
}

func TestRouteHonorsPluginForward(t *testing.T) {
	s := &clientSession{
		c: &cluster.Cluster{Name: "main", Shards: []cluster.Shard{{Index: 0}, {Index: 1}}},
		h: &Handler{Plugins: plugin.NewChain(forwardRouter{shard: 1})},
	}
	payload := append([]byte("SELECT 1"), 0)
	outcome, err := s.route(context.Background(), wireproto.Message{Type: wireproto.Query, Payload: payload}, inspect.QueryMeta{Kind: inspect.Unknown})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.handled {
		t.Fatal("Forward should not be handled inline")
	}
	if outcome.decision.Selector != route.SelectorDirect || outcome.decision.ShardIndex != 1 {
		t.Fatalf("got %+v", outcome.decision)
	}
}

type errorRouter struct{}

func (errorRouter) Init(ctx context.Context) error { return nil }
func (errorRouter) RouteQuery(ctx context.Context, in plugin.Input) (plugin.Decision, error) {
	return plugin.Decision{Kind: plugin.Error, ErrorFields: map[byte]string{'M': "rejected by policy"}}, nil
}

func TestRouteHonorsPluginError(t *testing.T) {
	clientSide, clientPeer := net.Pipe()
	defer clientSide.Close()
	defer clientPeer.Close()

	s := &clientSession{
		c:      &cluster.Cluster{Name: "main", Shards: []cluster.Shard{{Index: 0}}},
		h:      &Handler{Plugins: plugin.NewChain(errorRouter{})},
		client: clientPeer,
	}

	done := make(chan struct {
		outcome routeOutcome
		err     error
	}, 1)
	go func() {
		payload := append([]byte("DELETE FROM t"), 0)
		o, err := s.route(context.Background(), wireproto.Message{Type: wireproto.Query, Payload: payload}, inspect.QueryMeta{Kind: inspect.Delete})
		done <- struct {
			outcome routeOutcome
			err     error
		}{o, err}
	}()

	dec := wireproto.NewDecoder(clientSide, false)
	msg, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("reading ErrorResponse: %v", err)
	}
	if msg.Type != wireproto.ErrorResponse {
		t.Fatalf("got type %q", msg.Type)
	}
	if _, err := dec.ReadMessage(); err != nil {
		t.Fatalf("reading ReadyForQuery: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if !res.outcome.handled {
		t.Fatal("expected Error decision to be handled inline")
	}
}

func TestRouteSkipsPluginsWhenNil(t *testing.T) {
	s := &clientSession{c: &cluster.Cluster{Name: "main", Shards: []cluster.Shard{{Index: 0}}}, h: &Handler{}}
	payload := append([]byte("SELECT 1"), 0)
	outcome, err := s.route(context.Background(), wireproto.Message{Type: wireproto.Query, Payload: payload}, inspect.QueryMeta{Kind: inspect.Unknown, AggregatesSupported: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.handled {
		t.Fatal("expected no plugin to leave outcome unhandled")
	}
}

// dialToAddr builds a Dialer that fails for every ServerConfig.Addr in
// reject and returns a piped connection for any other, used to check that
// acquireBackend fails over to a healthy replica instead of sticking to
// whichever backend a pool was first created for.
func dialToAddr(t *testing.T, reject map[string]bool) pool.Dialer {
	t.Helper()
	return func(ctx context.Context, cfg pool.ServerConfig) (*backend.Conn, error) {
		if reject[cfg.Addr] {
			return nil, errAcquireDial
		}
		client, server := net.Pipe()
		t.Cleanup(func() { client.Close(); server.Close() })
		conn := backend.New(client, nil)
		conn.MarkAuthenticated(1, 1, nil)
		return conn, nil
	}
}

type dialErr struct{ msg string }

func (e *dialErr) Error() string { return e.msg }

var errAcquireDial = &dialErr{"dial failed"}

func TestAcquireBackendFailsOverToHealthyReplica(t *testing.T) {
	bad := cluster.Backend{Host: "bad", Port: 5432}
	good := cluster.Backend{Host: "good", Port: 5432}

	m := pool.NewManager(dialToAddr(t, map[string]bool{bad.Addr(): true}), func(id cluster.Identity) (pool.ServerConfig, pool.Options) {
		return pool.ServerConfig{Addr: id.Backend}, pool.Options{
			MaxConns: 1, AcquireTimeout: time.Second, IdleTimeout: time.Hour,
			FailureThreshold: 1, BanDuration: time.Hour,
		}
	})
	defer m.Close()

	s := &clientSession{
		c: &cluster.Cluster{
			Name:     "main",
			Database: "app",
			Shards:   []cluster.Shard{{Index: 0, Primary: &bad, Replicas: []cluster.Backend{bad, good}}},
		},
		cred: UserCredential{Name: "app"},
		h:    &Handler{Pools: m, Balancer: route.NewBalancer()},
	}

	conn, _, id, err := s.acquireBackend(context.Background(), route.Decision{ShardIndex: 0, Role: cluster.RoleReplica})
	if err != nil {
		t.Fatalf("acquireBackend: %v", err)
	}
	defer conn.Return()
	if id.Backend != good.Addr() {
		t.Fatalf("backend = %q, want failover to %q", id.Backend, good.Addr())
	}
}

func TestRejectReasonMapsKnownErrors(t *testing.T) {
	if got := rejectReason(route.ErrAmbiguousShardKey); got != "ambiguous_shard_key" {
		t.Fatalf("got %q", got)
	}
	if got := rejectReason(route.ErrUnsupportedAggregate); got != "unsupported_aggregate" {
		t.Fatalf("got %q", got)
	}
	if got := rejectReason(route.ErrNoShards); got != "no_shards" {
		t.Fatalf("got %q", got)
	}
}
