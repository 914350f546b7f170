// Package pool manages server connection pools keyed by cluster.Identity
// (cluster, shard, role, user, database). Each identity gets its own
// MRU-idle-stack-plus-FIFO-waiter pool, carrying forward the teacher's
// pool/pool.go concurrency pattern (sync.Cond + time.AfterFunc deadline
// wakeup, Signal() over Broadcast() to avoid a thundering herd) directly,
// generalized from one pool per tenant to one pool per identity tuple.
//
// Health checking and bans are pool-local here rather than a separate
// service, absorbing the teacher's health/checker.go consecutive-failure
// counting into each Pool instead of a cross-cutting Checker type, since
// a ban is meaningless without the identity-scoped pool it takes a
// connection away from.
package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pgdog/pgdog-core/internal/backend"
	"github.com/pgdog/pgdog-core/internal/cluster"
)

// Dialer builds a new authenticated backend.Conn. Config supplies the
// network address and the credentials/TLS policy for one identity.
type Dialer func(ctx context.Context, cfg ServerConfig) (*backend.Conn, error)

// ServerConfig is what a Pool needs to dial and authenticate against one
// physical backend.
type ServerConfig struct {
	Addr        string
	User        string
	Password    string
	Database    string
	TLS         *tls.Config
	DialTimeout time.Duration
}

// Stats mirrors the teacher's Stats, generalized from a tenant to an
// identity.
type Stats struct {
	Identity  cluster.Identity
	Active    int
	Idle      int
	Total     int
	Waiting   int
	MaxConns  int
	MinConns  int
	Exhausted int64
	Banned    bool
}

// OnPoolExhausted is invoked when a pool is full and a caller must wait.
type OnPoolExhausted func(id cluster.Identity)

// Options configures a single Pool's sizing and timeouts.
type Options struct {
	MinConns         int
	MaxConns         int
	IdleTimeout      time.Duration
	MaxLifetime      time.Duration
	AcquireTimeout   time.Duration
	DialTimeout      time.Duration
	BanDuration      time.Duration
	FailureThreshold int
}

// Pool manages connections for exactly one cluster.Identity.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	id     cluster.Identity
	server ServerConfig
	opts   Options
	dial   Dialer

	idle    []*backend.Conn
	active  map[*backend.Conn]struct{}
	total   int
	waiting int

	exhausted           int64
	consecutiveFailures int
	bannedUntil         time.Time

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
}

// New creates a pool for one identity. It does not dial connections
// itself; call WarmUp to pre-create MinConns idle connections.
func New(id cluster.Identity, server ServerConfig, opts Options, dial Dialer) *Pool {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.BanDuration <= 0 {
		opts.BanDuration = 30 * time.Second
	}
	p := &Pool{
		id:     id,
		server: server,
		opts:   opts,
		dial:   dial,
		idle:   make([]*backend.Conn, 0),
		active: make(map[*backend.Conn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// SetOnPoolExhausted wires a callback invoked each time a caller must
// wait for a connection (used to update metrics).
func (p *Pool) SetOnPoolExhausted(cb OnPoolExhausted) {
	p.mu.Lock()
	p.onPoolExhausted = cb
	p.mu.Unlock()
}

// WarmUp pre-creates MinConns idle connections in the background.
func (p *Pool) WarmUp() {
	for i := 0; i < p.opts.MinConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.opts.MinConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		conn, err := p.dialOne(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up failed", "identity", p.id, "index", i+1, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		conn.MarkIdle()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

func (p *Pool) dialOne(ctx context.Context) (*backend.Conn, error) {
	dialCtx := ctx
	if p.server.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.server.DialTimeout)
		defer cancel()
	}
	conn, err := p.dial(dialCtx, p.server)
	if err != nil {
		p.recordFailure()
		return nil, err
	}
	p.recordSuccess()
	return conn, nil
}

func (p *Pool) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	if p.consecutiveFailures >= p.opts.FailureThreshold {
		p.bannedUntil = time.Now().Add(p.opts.BanDuration)
		slog.Warn("pool banned after consecutive failures", "identity", p.id, "failures", p.consecutiveFailures, "until", p.bannedUntil)
	}
}

func (p *Pool) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
	p.bannedUntil = time.Time{}
}

// Banned reports whether this pool's backend is currently under a health
// ban and should not be dialed. A ban that has expired is a failsafe
// unban: the next Acquire is allowed to try again even though no health
// check has explicitly cleared it, matching the teacher's threshold-based
// recovery (a single success clears consecutiveFailures).
func (p *Pool) Banned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.bannedUntil)
}

// Acquire gets a connection, dialing a new one if under MaxConns, or
// waiting on the FIFO queue until one is returned or the deadline hits.
func (p *Pool) Acquire(ctx context.Context) (*backend.Conn, error) {
	if p.Banned() {
		return nil, fmt.Errorf("%w: %s", ErrBanned, p.id)
	}

	deadlineAt := time.Now().Add(p.opts.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
		deadlineAt = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrClosed, p.id)
		}

		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if conn.IsExpired(p.opts.MaxLifetime) {
				conn.Close()
				p.total--
				continue
			}
			if err := conn.Ping(); err != nil {
				conn.Close()
				p.total--
				continue
			}

			conn.MarkActive()
			p.active[conn] = struct{}{}
			p.mu.Unlock()
			return conn, nil
		}

		if p.total < p.opts.MaxConns {
			p.total++
			p.mu.Unlock()

			conn, err := p.dialOne(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("dialing %s for %s: %w", p.server.Addr, p.id, err)
			}

			conn.MarkActive()
			p.mu.Lock()
			p.active[conn] = struct{}{}
			p.mu.Unlock()
			return conn, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onPoolExhausted
		p.mu.Unlock()

		if cb != nil {
			cb(p.id)
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s after %s", ErrAcquireTimeout, p.id, p.opts.AcquireTimeout)
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrClosed, p.id)
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s after %s", ErrAcquireTimeout, p.id, p.opts.AcquireTimeout)
		}
	}
}

// Return releases a connection back to the pool. Dirty or broken
// connections are closed instead of recycled, to keep state from one
// client bleeding into the next.
func (p *Pool) Return(conn *backend.Conn) {
	p.mu.Lock()
	delete(p.active, conn)

	if p.closed || conn.IsBroken() || conn.IsDirty() || conn.IsExpired(p.opts.MaxLifetime) {
		p.mu.Unlock()
		conn.Close()
		p.mu.Lock()
		p.total--
		p.cond.Signal()
		p.mu.Unlock()
		return
	}

	conn.MarkIdle()
	p.idle = append(p.idle, conn)
	p.cond.Signal()
	p.mu.Unlock()
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Identity:  p.id,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.opts.MaxConns,
		MinConns:  p.opts.MinConns,
		Exhausted: p.exhausted,
		Banned:    time.Now().Before(p.bannedUntil),
	}
}

// reapLoop periodically evicts idle connections that have exceeded
// IdleTimeout, mirroring the teacher's reapLoop.
func (p *Pool) reapLoop() {
	interval := p.opts.IdleTimeout
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.idle[:0]
	for _, conn := range p.idle {
		if conn.IsIdleTimedOut(p.opts.IdleTimeout) && p.total > p.opts.MinConns {
			conn.Close()
			p.total--
			continue
		}
		kept = append(kept, conn)
	}
	p.idle = kept
}

// Drain closes idle connections and waits (with a hard timeout) for
// active ones to be returned before forcing them closed, mirroring the
// teacher's Drain.
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	for _, conn := range p.idle {
		conn.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-deadline:
			p.mu.Lock()
			for conn := range p.active {
				conn.Close()
				p.total--
			}
			p.active = make(map[*backend.Conn]struct{})
			p.mu.Unlock()
			return
		}
	}
}

// Close shuts the pool down permanently.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	for _, conn := range p.idle {
		conn.Close()
	}
	p.idle = nil
	p.mu.Unlock()
	p.cond.Broadcast()
}

// DialPostgres dials a raw TCP connection and runs the startup/auth
// handshake, returning an authenticated backend.Conn. cmd/pgdog passes
// this Dialer to NewManager (tests pass their own); the handshake
// itself lives in internal/session (startup negotiation shared with the
// client-facing side) to avoid import cycles between pool and session.
func DialPostgres(handshake func(net.Conn, ServerConfig) (*backend.Conn, error)) Dialer {
	return func(ctx context.Context, cfg ServerConfig) (*backend.Conn, error) {
		var d net.Dialer
		if cfg.DialTimeout > 0 {
			d.Timeout = cfg.DialTimeout
		}
		raw, err := d.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		conn, err := handshake(raw, cfg)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return conn, nil
	}
}
