package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pgdog/pgdog-core/internal/backend"
	"github.com/pgdog/pgdog-core/internal/cluster"
	"github.com/pgdog/pgdog-core/internal/inspect"
	"github.com/pgdog/pgdog-core/internal/plugin"
	"github.com/pgdog/pgdog-core/internal/pool"
	"github.com/pgdog/pgdog-core/internal/route"
	"github.com/pgdog/pgdog-core/internal/wireproto"
)

// clientSession is one authenticated client's post-startup state: the
// cluster it was routed to, its credential, and the fake cancel pid the
// CancelTable tracks it under.
type clientSession struct {
	h         *Handler
	client    net.Conn
	dec       *wireproto.Decoder
	c         *cluster.Cluster
	cred      UserCredential
	cancelPID uint32
}

// runTransactionMode implements §4.6's transaction-pooling ready loop: no
// server connection is held between transactions. The first data message
// after a return triggers classification, routing, and a fresh
// Pool.Acquire; the connection goes back to its pool the moment
// ReadyForQuery reports 'I' (unless the session has pinned, e.g. a named
// prepared statement or LISTEN/NOTIFY).
//
// Grounded on the teacher's relayPGTransactionMode, generalized from a
// single tenantPool to per-(cluster,shard,role) pools resolved by
// route.Decide on every un-bound message.
func (s *clientSession) runTransactionMode(ctx context.Context) error {
	var (
		conn       *backend.Conn
		backendDec *wireproto.Decoder
		id         cluster.Identity
		pinned     bool
		txnStart   time.Time
	)

	releaseDirty := func() {
		if conn == nil {
			return
		}
		s.h.Cancels.Release(s.cancelPID)
		s.cleanupBackend(id, conn)
		conn, backendDec = nil, nil
	}
	defer func() {
		if conn != nil {
			s.h.Cancels.Release(s.cancelPID)
			s.resetAndReturn(id, conn)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			releaseDirty()
			return ctx.Err()
		default:
		}

		msg, err := s.dec.ReadMessage()
		if err != nil {
			releaseDirty()
			return nil
		}

		if msg.Type == wireproto.Terminate {
			if conn != nil {
				s.h.Cancels.Release(s.cancelPID)
				s.resetAndReturn(id, conn)
				conn, backendDec = nil, nil
			}
			return nil
		}

		if conn == nil {
			meta := s.classify(msg)
			outcome, err := s.route(ctx, msg, meta)
			if err != nil {
				s.h.Metrics.IncRoutingRejected(s.c.Name, rejectReason(err))
				s.sendError("42P01", err.Error())
				continue
			}
			if outcome.handled {
				continue
			}
			decision := outcome.decision

			if decision.Selector == route.SelectorAll {
				s.h.Metrics.ObserveGatherShardCount(s.c.Name, s.c.NumShards())
				if gerr := s.h.Gather.Execute(ctx, s.c, decision.Role, s.h.Pools, meta, msg.Type, msg.Payload, s.client); gerr != nil {
					s.h.Metrics.IncGatherError(s.c.Name, "gather_failed")
					return fmt.Errorf("session: cross-shard gather: %w", gerr)
				}
				continue
			}

			acquireStart := time.Now()
			var perr error
			conn, _, id, perr = s.acquireBackend(ctx, decision)
			if perr != nil {
				s.h.Metrics.IncPoolExhausted(id)
				s.sendError("08000", fmt.Sprintf("cannot acquire backend connection: %s", perr))
				continue
			}
			s.h.Metrics.ObserveAcquire(id, time.Since(acquireStart))
			s.h.Cancels.Bind(s.cancelPID, conn.RemoteAddr().String(), conn.BackendPID(), conn.BackendKey())
			backendDec = wireproto.NewDecoder(conn, false)
			txnStart = time.Now()
			pinned = false
		}

		if !pinned && detectSessionPin(msg.Type, msg.Payload) {
			pinned = true
			s.h.Metrics.IncSessionPin(id, pinReason(msg.Type, msg.Payload))
		}

		if err := wireproto.WriteMessage(conn, msg.Type, msg.Payload); err != nil {
			conn.MarkBroken()
			conn.Return()
			s.h.Cancels.Release(s.cancelPID)
			conn, backendDec = nil, nil
			return fmt.Errorf("session: writing to backend: %w", err)
		}

		for {
			rmsg, err := backendDec.ReadMessage()
			if err != nil {
				conn.MarkBroken()
				conn.Return()
				s.h.Cancels.Release(s.cancelPID)
				conn, backendDec = nil, nil
				return fmt.Errorf("session: reading from backend: %w", err)
			}
			if err := wireproto.WriteMessage(s.client, rmsg.Type, rmsg.Payload); err != nil {
				s.h.Cancels.Release(s.cancelPID)
				s.cleanupBackend(id, conn)
				conn, backendDec = nil, nil
				return nil
			}
			if rmsg.Type == wireproto.ReadyForQuery {
				status := backend.TxnIdle
				if len(rmsg.Payload) > 0 {
					status = backend.TxnStatus(rmsg.Payload[0])
				}
				conn.SetSynchronized(true, status)
				if status == backend.TxnIdle && !pinned {
					s.h.Metrics.IncTransaction(id, time.Since(txnStart))
					s.h.Cancels.Release(s.cancelPID)
					s.resetAndReturn(id, conn)
					conn, backendDec = nil, nil
				}
				break
			}
		}
	}
}

// runSessionMode implements §4.6's session-pooling ready loop: the first
// data message allocates a server connection that then stays bound for the
// life of the client session, regardless of transaction boundaries.
func (s *clientSession) runSessionMode(ctx context.Context) error {
	var (
		conn       *backend.Conn
		backendDec *wireproto.Decoder
		id         cluster.Identity
		pinned     bool
	)

	defer func() {
		if conn != nil {
			s.h.Cancels.Release(s.cancelPID)
			s.resetAndReturn(id, conn)
		}
	}()

	for {
		msg, err := s.dec.ReadMessage()
		if err != nil {
			return nil
		}
		if msg.Type == wireproto.Terminate {
			return nil
		}

		if conn == nil {
			meta := s.classify(msg)
			outcome, err := s.route(ctx, msg, meta)
			if err != nil {
				s.h.Metrics.IncRoutingRejected(s.c.Name, rejectReason(err))
				s.sendError("42P01", err.Error())
				continue
			}
			if outcome.handled {
				continue
			}
			decision := outcome.decision
			if decision.Selector == route.SelectorAll {
				s.h.Metrics.ObserveGatherShardCount(s.c.Name, s.c.NumShards())
				if gerr := s.h.Gather.Execute(ctx, s.c, decision.Role, s.h.Pools, meta, msg.Type, msg.Payload, s.client); gerr != nil {
					s.h.Metrics.IncGatherError(s.c.Name, "gather_failed")
					return fmt.Errorf("session: cross-shard gather: %w", gerr)
				}
				continue
			}

			var perr error
			conn, _, id, perr = s.acquireBackend(ctx, decision)
			if perr != nil {
				s.h.Metrics.IncPoolExhausted(id)
				s.sendError("08000", fmt.Sprintf("cannot acquire backend connection: %s", perr))
				continue
			}
			s.h.Cancels.Bind(s.cancelPID, conn.RemoteAddr().String(), conn.BackendPID(), conn.BackendKey())
			backendDec = wireproto.NewDecoder(conn, false)
		}

		if !pinned && detectSessionPin(msg.Type, msg.Payload) {
			pinned = true
			s.h.Metrics.IncSessionPin(id, pinReason(msg.Type, msg.Payload))
		}

		if err := wireproto.WriteMessage(conn, msg.Type, msg.Payload); err != nil {
			conn.MarkBroken()
			conn.Return()
			return fmt.Errorf("session: writing to backend: %w", err)
		}
		for {
			rmsg, err := backendDec.ReadMessage()
			if err != nil {
				conn.MarkBroken()
				conn.Return()
				return fmt.Errorf("session: reading from backend: %w", err)
			}
			if err := wireproto.WriteMessage(s.client, rmsg.Type, rmsg.Payload); err != nil {
				return nil
			}
			if rmsg.Type == wireproto.ReadyForQuery {
				status := backend.TxnIdle
				if len(rmsg.Payload) > 0 {
					status = backend.TxnStatus(rmsg.Payload[0])
				}
				conn.SetSynchronized(true, status)
				break
			}
		}
	}
}

func (s *clientSession) identityFor(d route.Decision) cluster.Identity {
	return cluster.Identity{
		Cluster:  s.c.Name,
		Shard:    d.ShardIndex,
		Role:     d.Role,
		User:     s.cred.Name,
		Database: s.c.Database,
	}
}

// acquireBackend resolves the candidate backends for a routing decision
// and checks out a connection from whichever non-banned one load
// balancing selects. It re-runs identityFor and the shard's candidate
// list on every call rather than caching a choice made the first time
// this (cluster, shard, role, user, database) tuple was seen, so
// load_balancing_strategy and ban failover both apply per request.
func (s *clientSession) acquireBackend(ctx context.Context, d route.Decision) (*backend.Conn, *pool.Pool, cluster.Identity, error) {
	logicalID := s.identityFor(d)
	shard := s.c.Shards[d.ShardIndex]
	candidates := shard.Candidates(d.Role)
	if len(candidates) == 0 {
		return nil, nil, logicalID, fmt.Errorf("session: no backend available for %s", logicalID)
	}

	pick := func(cands []cluster.Backend) (cluster.Backend, error) {
		active := func(b cluster.Backend) int {
			id := logicalID
			id.Backend = b.Addr()
			if p, ok := s.h.Pools.Peek(id); ok {
				return p.Stats().Active
			}
			return 0
		}
		return s.h.Balancer.Pick(logicalID.String(), cands, s.c.LoadBalancing, active)
	}

	conn, p, err := s.h.Pools.Checkout(ctx, logicalID, candidates, pick)
	if err != nil {
		return nil, nil, logicalID, err
	}
	return conn, p, p.Stats().Identity, nil
}

// classify extracts routable SQL text from a Query or Parse message.
// Any other frontend message arriving with no backend bound yet (e.g. a
// bare Bind referencing a statement parsed in a previous transaction,
// which transaction pooling does not support across a pool return) is
// classified Unknown and falls through to SelectorAll/default routing.
func (s *clientSession) classify(msg wireproto.Message) inspect.QueryMeta {
	switch msg.Type {
	case wireproto.Query:
		return inspect.Classify(cString(msg.Payload), s.c.ShardedTables)
	case wireproto.Parse:
		_, sql, _ := splitParseMessage(msg.Payload)
		return inspect.Classify(sql, s.c.ShardedTables)
	default:
		return inspect.QueryMeta{Kind: inspect.Unknown, AggregatesSupported: true}
	}
}

// routeOutcome is the result of consulting the plugin chain and/or
// internal/route for one message. handled is set when a plugin already
// wrote a complete response to the client (Error or Intercept) and the
// caller should skip straight to the next message.
type routeOutcome struct {
	decision route.Decision
	handled  bool
}

// route consults the plugin chain before falling back to route.Decide,
// implementing the spec's Forward|Rewrite|Error|Intercept|NoDecision
// routing-plugin contract. A nil Handler.Plugins chain (the common case
// with no plugins configured) skips straight to route.Decide.
func (s *clientSession) route(ctx context.Context, msg wireproto.Message, meta inspect.QueryMeta) (routeOutcome, error) {
	sql := ""
	switch msg.Type {
	case wireproto.Query:
		sql = cString(msg.Payload)
	case wireproto.Parse:
		_, sql, _ = splitParseMessage(msg.Payload)
	}

	if s.h.Plugins != nil && sql != "" {
		in := plugin.Input{
			QueryText: sql,
			Cluster:   s.c,
			ClusterShape: plugin.ClusterShape{
				Name:      s.c.Name,
				NumShards: s.c.NumShards(),
				Sharded:   s.c.Sharded(),
			},
		}
		d, err := s.h.Plugins.RouteQuery(ctx, in)
		if err != nil {
			return routeOutcome{}, err
		}
		switch d.Kind {
		case plugin.Forward:
			return routeOutcome{decision: route.Decision{
				Selector:   route.SelectorDirect,
				ShardIndex: d.Route.ShardIndex,
				Role:       d.Route.Role,
			}}, nil
		case plugin.Rewrite:
			meta = inspect.Classify(d.NewText, s.c.ShardedTables)
		case plugin.Error:
			s.sendPluginError(d.ErrorFields)
			return routeOutcome{handled: true}, nil
		case plugin.Intercept:
			s.sendIntercept(d)
			return routeOutcome{handled: true}, nil
		}
	}

	decision, err := route.Decide(s.c, meta, isWriteKind(meta.Kind))
	return routeOutcome{decision: decision}, err
}

func (s *clientSession) sendPluginError(fields map[byte]string) {
	if fields == nil {
		fields = map[byte]string{}
	}
	if fields['S'] == "" {
		fields['S'] = "ERROR"
	}
	if fields['C'] == "" {
		fields['C'] = "42501"
	}
	_ = wireproto.WriteMessage(s.client, wireproto.ErrorResponse, wireproto.BuildErrorResponse(fields))
	_ = wireproto.WriteMessage(s.client, wireproto.ReadyForQuery, []byte{'I'})
}

func (s *clientSession) sendIntercept(d plugin.Decision) {
	if err := wireproto.WriteMessage(s.client, wireproto.RowDescription, d.RowDescription); err != nil {
		return
	}
	for _, row := range d.Rows {
		if err := wireproto.WriteMessage(s.client, wireproto.DataRow, row); err != nil {
			return
		}
	}
	tag := append([]byte(fmt.Sprintf("SELECT %d", len(d.Rows))), 0)
	if err := wireproto.WriteMessage(s.client, wireproto.CommandComplete, tag); err != nil {
		return
	}
	_ = wireproto.WriteMessage(s.client, wireproto.ReadyForQuery, []byte{'I'})
}

func isWriteKind(k inspect.Kind) bool {
	switch k {
	case inspect.Insert, inspect.Update, inspect.Delete, inspect.Ddl:
		return true
	}
	return false
}

func rejectReason(err error) string {
	switch {
	case err == route.ErrUnsupportedAggregate:
		return "unsupported_aggregate"
	case err == route.ErrAmbiguousShardKey:
		return "ambiguous_shard_key"
	case err == route.ErrNoShards:
		return "no_shards"
	default:
		return "routing_error"
	}
}

func (s *clientSession) sendError(code, message string) {
	fields := map[byte]string{'S': "ERROR", 'C': code, 'M': message}
	_ = wireproto.WriteMessage(s.client, wireproto.ErrorResponse, wireproto.BuildErrorResponse(fields))
	_ = wireproto.WriteMessage(s.client, wireproto.ReadyForQuery, []byte{'I'})
}

// resetAndReturn sends "DISCARD ALL" to the backend before returning it to
// the pool, closing it instead if the reset fails or the server comes back
// anything other than idle. Grounded on the teacher's resetAndReturn.
func (s *clientSession) resetAndReturn(id cluster.Identity, conn *backend.Conn) {
	query := append([]byte("DISCARD ALL"), 0)
	if err := wireproto.WriteMessage(conn, wireproto.Query, query); err != nil {
		conn.MarkBroken()
		conn.Return()
		return
	}

	dec := wireproto.NewDecoder(conn, false)
	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			conn.MarkBroken()
			conn.Return()
			return
		}
		switch msg.Type {
		case wireproto.ErrorResponse:
			conn.MarkBroken()
			conn.Return()
			return
		case wireproto.ReadyForQuery:
			if len(msg.Payload) > 0 && backend.TxnStatus(msg.Payload[0]) == backend.TxnIdle {
				conn.ClearDirty()
				s.h.Metrics.IncBackendReset(id)
				conn.Return()
				return
			}
			conn.MarkBroken()
			conn.Return()
			return
		}
	}
}

// cleanupBackend handles a dirty disconnect (client gone mid-transaction):
// ROLLBACK, drain to ReadyForQuery, then the normal reset-and-return path.
// Grounded on the teacher's cleanupBackend.
func (s *clientSession) cleanupBackend(id cluster.Identity, conn *backend.Conn) {
	s.h.Metrics.IncDirtyDisconnect(id)

	rollback := append([]byte("ROLLBACK"), 0)
	if err := wireproto.WriteMessage(conn, wireproto.Query, rollback); err != nil {
		conn.MarkBroken()
		conn.Return()
		return
	}

	dec := wireproto.NewDecoder(conn, false)
	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			conn.MarkBroken()
			conn.Return()
			return
		}
		if msg.Type == wireproto.ReadyForQuery {
			break
		}
	}
	s.resetAndReturn(id, conn)
}

// detectSessionPin reports whether a message forces the rest of the
// transaction (or session) to keep its server connection instead of
// returning it at the next 'I'. Grounded on the teacher's
// detectSessionPin/pinReason.
func detectSessionPin(msgType byte, payload []byte) bool {
	if msgType == wireproto.Parse && len(payload) > 0 && payload[0] != 0 {
		return true
	}
	if msgType == wireproto.Query && len(payload) > 0 {
		sql := strings.ToUpper(strings.TrimSpace(cString(payload)))
		if strings.HasPrefix(sql, "LISTEN") || strings.HasPrefix(sql, "NOTIFY") {
			return true
		}
	}
	return false
}

func pinReason(msgType byte, payload []byte) string {
	if msgType == wireproto.Parse {
		return "named prepared statement"
	}
	if msgType == wireproto.Query {
		words := strings.Fields(cString(payload))
		if len(words) > 0 {
			return strings.ToLower(words[0]) + " command"
		}
	}
	return "unknown"
}

func cString(b []byte) string {
	if i := indexZero(b); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// splitParseMessage splits a Parse message body: statement_name\0 query\0
// followed by a 2-byte parameter count and that many 4-byte type OIDs.
func splitParseMessage(payload []byte) (name, sql string, rest []byte) {
	i := indexZero(payload)
	if i < 0 {
		return "", "", nil
	}
	name = string(payload[:i])
	remainder := payload[i+1:]
	j := indexZero(remainder)
	if j < 0 {
		return name, "", nil
	}
	sql = string(remainder[:j])
	rest = remainder[j+1:]
	return name, sql, rest
}
