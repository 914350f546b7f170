// Package session implements the client-facing side of a PgDog connection:
// startup negotiation, SCRAM authentication, and the per-message ready
// loop that classifies each statement, routes it, and relays it to a
// pooled backend connection. Generalized from the teacher's
// internal/proxy/postgres.go (PostgresHandler.Handle, readStartupMessage,
// relayAuth) and internal/proxy/pg_relay.go (relayPGTransactionMode,
// resetAndReturn, cleanupBackend, detectSessionPin) — tenant lookup is
// replaced by cluster/shard/role routing through internal/route, and
// MySQL support is dropped since this core is Postgres-only.
package session

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/pgdog/pgdog-core/internal/cluster"
	"github.com/pgdog/pgdog-core/internal/inspect"
	"github.com/pgdog/pgdog-core/internal/metrics"
	"github.com/pgdog/pgdog-core/internal/plugin"
	"github.com/pgdog/pgdog-core/internal/pool"
	"github.com/pgdog/pgdog-core/internal/route"
	"github.com/pgdog/pgdog-core/internal/wireproto"
)

// Gatherer executes one statement across every shard of a cluster and
// merges the results back to the client, implementing §4.7's cross-shard
// gather. Declared here rather than imported from internal/gather to
// avoid a session<->gather import cycle (gather needs pool.Manager and
// inspect.QueryMeta, both of which session also needs); cmd/pgdog wires
// the concrete *gather.Executor in.
type Gatherer interface {
	Execute(ctx context.Context, c *cluster.Cluster, role cluster.Role, pools *pool.Manager, meta inspect.QueryMeta, msgType byte, payload []byte, client net.Conn) error
}

// Handler accepts PostgreSQL client connections and drives them through
// startup, authentication, and the statement relay loop.
type Handler struct {
	Registry  *route.Registry
	Pools     *pool.Manager
	// Balancer picks among a shard's candidate backends on every checkout
	// (internal/route.Balancer.Pick), so load_balancing_strategy is a
	// per-request decision rather than one resolved once when a pool is
	// first created.
	Balancer  *route.Balancer
	Auth      *Authenticator
	Cancels   *CancelTable
	Metrics   *metrics.Collector
	TLSConfig *tls.Config
	Gather    Gatherer
	// Plugins is the routing-plugin chain consulted before route.Decide
	// on every un-bound message. nil (the default) skips straight to
	// route.Decide, matching a PgDog deployment with no plugins configured.
	Plugins *plugin.Chain
}

// Handle processes one client connection end to end. It always closes the
// connection before returning, mirroring the teacher's PostgresHandler.Handle
// contract (the caller's accept loop does not need to close it itself).
func (h *Handler) Handle(ctx context.Context, client net.Conn) error {
	defer client.Close()

	code, body, client, err := h.readStartup(client)
	if err != nil {
		return fmt.Errorf("session: reading startup message: %w", err)
	}

	if code == wireproto.CancelRequestCode {
		req, err := wireproto.ParseCancelRequest(body)
		if err != nil {
			return fmt.Errorf("session: parsing cancel request: %w", err)
		}
		return h.Cancels.Cancel(req)
	}

	wantMajor, wantMinor := wireproto.ProtocolV3Major, wireproto.ProtocolV3Minor
	if code != wantMajor<<16|wantMinor {
		h.sendFatal(client, "08001", "unsupported protocol version")
		return fmt.Errorf("session: unsupported protocol version %#x", code)
	}

	params := wireproto.NullTerminatedPairs(body)
	user := params["user"]
	clusterName := parseClusterFromOptions(params["options"])
	if clusterName == "" {
		if cn, realUser, ok := ExtractClusterFromUsername(user); ok {
			clusterName, user = cn, realUser
		}
	}
	if clusterName == "" {
		clusterName = params["database"]
	}

	cred, ok := h.Auth.Lookup(user)
	if !ok || cred.Cluster != clusterName {
		h.sendFatal(client, "28000", fmt.Sprintf("no pg_hba.conf entry for user %q on cluster %q", user, clusterName))
		return fmt.Errorf("session: unknown user %q for cluster %q", user, clusterName)
	}

	c, err := h.Registry.Lookup(clusterName)
	if err != nil {
		h.sendFatal(client, "3D000", err.Error())
		return err
	}
	if h.Registry.IsPaused(clusterName) {
		h.sendFatal(client, "57P03", fmt.Sprintf("cluster %q is paused", clusterName))
		return fmt.Errorf("session: cluster %q is paused", clusterName)
	}

	dec := wireproto.NewDecoder(client, true)
	if err := h.Auth.Authenticate(dec, client, user); err != nil {
		h.sendFatal(client, "28P01", "password authentication failed")
		return fmt.Errorf("session: authenticating %q: %w", user, err)
	}

	pid, secret := h.Cancels.Register()
	defer h.Cancels.Unregister(pid)

	if err := sendStartupComplete(client, pid, secret); err != nil {
		return fmt.Errorf("session: sending startup completion: %w", err)
	}

	s := &clientSession{
		h:         h,
		client:    client,
		dec:       dec,
		c:         c,
		cred:      cred,
		cancelPID: pid,
	}

	if c.PoolerMode == cluster.ModeSession {
		return s.runSessionMode(ctx)
	}
	return s.runTransactionMode(ctx)
}

// readStartup loops over SSLRequest/GSSENCRequest negotiation (each
// rejected or upgraded in turn) until it reads a real startup packet or
// cancel request, matching the teacher's bounded retry loop against a
// client that never stops asking.
func (h *Handler) readStartup(conn net.Conn) (uint32, []byte, net.Conn, error) {
	const maxAttempts = 3
	cur := conn
	for i := 0; i <= maxAttempts; i++ {
		code, body, err := wireproto.ReadStartup(cur)
		if err != nil {
			return 0, nil, cur, err
		}
		switch code {
		case wireproto.SSLRequestCode:
			if h.TLSConfig != nil {
				if _, err := cur.Write([]byte{'S'}); err != nil {
					return 0, nil, cur, err
				}
				tlsConn := tls.Server(cur, h.TLSConfig)
				if err := tlsConn.Handshake(); err != nil {
					return 0, nil, cur, fmt.Errorf("TLS handshake: %w", err)
				}
				cur = tlsConn
			} else if _, err := cur.Write([]byte{'N'}); err != nil {
				return 0, nil, cur, err
			}
			continue
		case wireproto.GSSEncRequestCode:
			if _, err := cur.Write([]byte{'N'}); err != nil {
				return 0, nil, cur, err
			}
			continue
		default:
			return code, body, cur, nil
		}
	}
	return 0, nil, cur, fmt.Errorf("session: too many SSL/GSS negotiation attempts")
}

// sendStartupComplete sends the post-authentication sequence a real server
// would: a minimal ParameterStatus set, BackendKeyData carrying the fake
// cancel pid/secret pair, and ReadyForQuery('I'). AuthenticationOk itself
// is sent by Authenticator.Authenticate as the last step of the SCRAM
// exchange.
func sendStartupComplete(w io.Writer, pid, secret uint32) error {
	params := []struct{ k, v string }{
		{"server_version", "16.0 (pgdog)"},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
		{"standard_conforming_strings", "on"},
	}
	for _, p := range params {
		var payload []byte
		payload = append(payload, p.k...)
		payload = append(payload, 0)
		payload = append(payload, p.v...)
		payload = append(payload, 0)
		if err := wireproto.WriteMessage(w, wireproto.ParameterStatus, payload); err != nil {
			return err
		}
	}
	bkd := make([]byte, 8)
	binary.BigEndian.PutUint32(bkd[:4], pid)
	binary.BigEndian.PutUint32(bkd[4:], secret)
	if err := wireproto.WriteMessage(w, wireproto.BackendKeyData, bkd); err != nil {
		return err
	}
	return wireproto.WriteMessage(w, wireproto.ReadyForQuery, []byte{'I'})
}

func (h *Handler) sendFatal(w io.Writer, code, message string) {
	fields := map[byte]string{'S': "FATAL", 'C': code, 'M': message}
	_ = wireproto.WriteMessage(w, wireproto.ErrorResponse, wireproto.BuildErrorResponse(fields))
}
