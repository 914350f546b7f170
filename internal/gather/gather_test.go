package gather

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pgdog/pgdog-core/internal/backend"
	"github.com/pgdog/pgdog-core/internal/cluster"
	"github.com/pgdog/pgdog-core/internal/inspect"
	"github.com/pgdog/pgdog-core/internal/pool"
	"github.com/pgdog/pgdog-core/internal/route"
	"github.com/pgdog/pgdog-core/internal/wireproto"
)

// fakeShardServer replies to one statement with a fixed CommandComplete
// carrying tag, then ReadyForQuery; it never sends any rows.
func fakeShardServer(t *testing.T, server net.Conn, tag string) {
	t.Helper()
	go func() {
		dec := wireproto.NewDecoder(server, true)
		if _, err := dec.ReadMessage(); err != nil {
			return
		}
		payload := append([]byte(tag), 0)
		_ = wireproto.WriteMessage(server, wireproto.CommandComplete, payload)
		_ = wireproto.WriteMessage(server, wireproto.ReadyForQuery, []byte{'I'})
	}()
}

func testManager(t *testing.T, tags map[int]string) *pool.Manager {
	t.Helper()
	dial := func(ctx context.Context, cfg pool.ServerConfig) (*backend.Conn, error) {
		client, server := net.Pipe()
		t.Cleanup(func() { client.Close(); server.Close() })
		shard := shardFromAddr(cfg.Addr)
		fakeShardServer(t, server, tags[shard])
		conn := backend.New(client, nil)
		conn.MarkAuthenticated(1, 1, nil)
		return conn, nil
	}
	newOpt := func(id cluster.Identity) (pool.ServerConfig, pool.Options) {
		return pool.ServerConfig{Addr: fmt.Sprintf("shard-%d:5432", id.Shard)},
			pool.Options{MinConns: 0, MaxConns: 1, AcquireTimeout: time.Second, IdleTimeout: time.Hour}
	}
	return pool.NewManager(dial, newOpt)
}

func shardFromAddr(addr string) int {
	var shard int
	_, _ = fmt.Sscanf(addr, "shard-%d:5432", &shard)
	return shard
}

func testCluster(n int) *cluster.Cluster {
	shards := make([]cluster.Shard, n)
	for i := range shards {
		shards[i] = cluster.Shard{Index: i, Primary: &cluster.Backend{Host: "h", Port: 5432}}
	}
	return &cluster.Cluster{Name: "main", User: "app", Database: "app", Shards: shards}
}

func TestExecuteMergesCommandTagsAcrossShards(t *testing.T) {
	tags := map[int]string{0: "SET", 1: "SET", 2: "SET"}
	mgr := testManager(t, tags)
	c := testCluster(3)

	clientSide, clientPeer := net.Pipe()
	defer clientSide.Close()
	defer clientPeer.Close()

	done := make(chan error, 1)
	go func() {
		e := &Executor{Balancer: route.NewBalancer()}
		done <- e.Execute(context.Background(), c, cluster.RolePrimary, mgr, inspect.QueryMeta{Kind: inspect.Unknown}, wireproto.Query, []byte("SET foo=bar\x00"), clientPeer)
	}()

	dec := wireproto.NewDecoder(clientSide, false)
	msg, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("reading CommandComplete: %v", err)
	}
	if msg.Type != wireproto.CommandComplete {
		t.Fatalf("got type %q", msg.Type)
	}

	msg, err = dec.ReadMessage()
	if err != nil {
		t.Fatalf("reading ReadyForQuery: %v", err)
	}
	if msg.Type != wireproto.ReadyForQuery {
		t.Fatalf("got type %q", msg.Type)
	}

	if err := <-done; err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecuteSumsInsertRowCounts(t *testing.T) {
	tags := map[int]string{0: "INSERT 0 2", 1: "INSERT 0 3"}
	mgr := testManager(t, tags)
	c := testCluster(2)

	clientSide, clientPeer := net.Pipe()
	defer clientSide.Close()
	defer clientPeer.Close()

	done := make(chan error, 1)
	go func() {
		e := &Executor{Balancer: route.NewBalancer()}
		done <- e.Execute(context.Background(), c, cluster.RolePrimary, mgr, inspect.QueryMeta{Kind: inspect.Insert}, wireproto.Query, []byte("INSERT INTO t VALUES (1)\x00"), clientPeer)
	}()

	dec := wireproto.NewDecoder(clientSide, false)
	msg, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("reading CommandComplete: %v", err)
	}
	if got := cCommandTag(msg.Payload); got != "INSERT 0 5" {
		t.Fatalf("got tag %q want INSERT 0 5", got)
	}

	if _, err := dec.ReadMessage(); err != nil {
		t.Fatalf("reading ReadyForQuery: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestCommandTagCountParsesTrailingInt(t *testing.T) {
	if got := commandTagCount("INSERT 0 7"); got != 7 {
		t.Fatalf("got %d", got)
	}
	if got := commandTagCount("BEGIN"); got != 0 {
		t.Fatalf("got %d", got)
	}
}

func TestFieldAtExtractsColumnBytes(t *testing.T) {
	payload := []byte{0, 2, 0, 0, 0, 3, 'f', 'o', 'o', 0, 0, 0, 3, 'b', 'a', 'r'}
	if got := string(fieldAt(payload, 0)); got != "foo" {
		t.Fatalf("got %q", got)
	}
	if got := string(fieldAt(payload, 1)); got != "bar" {
		t.Fatalf("got %q", got)
	}
}

func TestFieldAtHandlesNull(t *testing.T) {
	payload := []byte{0, 1, 0xFF, 0xFF, 0xFF, 0xFF}
	if got := fieldAt(payload, 0); got != nil {
		t.Fatalf("expected nil for null field, got %v", got)
	}
}

// buildRowDescription constructs a minimal single-field RowDescription
// payload naming its one column col, enough for columnPosition to resolve
// a name-based ORDER BY term against it.
func buildRowDescription(col string) []byte {
	payload := []byte{0, 1}
	payload = append(payload, []byte(col)...)
	payload = append(payload, 0)
	payload = append(payload, make([]byte, 4+2+4+2+4+2)...)
	return payload
}

func buildDataRow(value string) []byte {
	payload := []byte{0, 1, 0, 0, 0, byte(len(value))}
	payload = append(payload, []byte(value)...)
	return payload
}

func TestColumnPositionResolvesNameCaseInsensitively(t *testing.T) {
	rd := buildRowDescription("ID")
	pos, ok := columnPosition(rd, "id")
	if !ok || pos != 0 {
		t.Fatalf("columnPosition = %d, %v, want 0, true", pos, ok)
	}
	if _, ok := columnPosition(rd, "missing"); ok {
		t.Fatal("expected no match for unknown column name")
	}
}

func TestSendMergedResolvesNameBasedOrderByAndAppliesLimit(t *testing.T) {
	rd := buildRowDescription("id")
	results := []shardResult{
		{shard: 0, rowDescription: rd, rows: [][]byte{buildDataRow("5"), buildDataRow("3")}, commandTag: "SELECT 2", commandAffected: 2},
		{shard: 1, rows: [][]byte{buildDataRow("1"), buildDataRow("4")}, commandTag: "SELECT 2", commandAffected: 2},
	}
	limit := 2
	meta := inspect.QueryMeta{
		Kind:    inspect.Select,
		OrderBy: []inspect.OrderExpr{{Name: "id", Position: -1, Direction: inspect.Asc}},
		Limit:   &limit,
	}

	clientSide, clientPeer := net.Pipe()
	defer clientSide.Close()
	defer clientPeer.Close()

	e := &Executor{}
	done := make(chan error, 1)
	go func() { done <- e.sendMerged(clientPeer, meta, results) }()

	dec := wireproto.NewDecoder(clientSide, false)
	msg, err := dec.ReadMessage()
	if err != nil || msg.Type != wireproto.RowDescription {
		t.Fatalf("reading RowDescription: %v (type %q)", err, msg.Type)
	}

	var gotValues []string
	for i := 0; i < 2; i++ {
		msg, err = dec.ReadMessage()
		if err != nil || msg.Type != wireproto.DataRow {
			t.Fatalf("reading DataRow %d: %v (type %q)", i, err, msg.Type)
		}
		gotValues = append(gotValues, string(fieldAt(msg.Payload, 0)))
	}
	if gotValues[0] != "1" || gotValues[1] != "3" {
		t.Fatalf("rows = %v, want globally sorted+truncated [1 3]", gotValues)
	}

	msg, err = dec.ReadMessage()
	if err != nil || msg.Type != wireproto.CommandComplete {
		t.Fatalf("reading CommandComplete: %v (type %q)", err, msg.Type)
	}
	if got := cCommandTag(msg.Payload); got != "SELECT 2" {
		t.Fatalf("tag = %q, want truncated count SELECT 2", got)
	}

	if _, err := dec.ReadMessage(); err != nil {
		t.Fatalf("reading ReadyForQuery: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("sendMerged: %v", err)
	}
}
