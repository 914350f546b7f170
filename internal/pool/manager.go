package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pgdog/pgdog-core/internal/backend"
	"github.com/pgdog/pgdog-core/internal/cluster"
)

// Sentinel errors, distinguishable via errors.Is by callers that need to
// map a pool failure to a SQLSTATE-style error code sent to the client.
var (
	ErrClosed         = errors.New("pool: closed")
	ErrBanned         = errors.New("pool: backend is banned")
	ErrAcquireTimeout = errors.New("pool: acquire timeout")
	ErrUnknownPool    = errors.New("pool: no pool for identity")
)

// Manager owns one Pool per cluster.Identity, created lazily on first
// Acquire. This generalizes the teacher's single tenantID->TenantPool map
// in cmd/main.go's wiring to the identity tuple.
type Manager struct {
	mu     sync.RWMutex
	pools  map[cluster.Identity]*Pool
	dial   Dialer
	newOpt func(cluster.Identity) (ServerConfig, Options)

	onPoolExhausted OnPoolExhausted
	statsStopCh     chan struct{}
}

// NewManager creates an empty Manager. newOpt resolves the server address
// and pool sizing options for an identity the first time it's needed;
// dial builds an authenticated connection for that identity.
func NewManager(dial Dialer, newOpt func(cluster.Identity) (ServerConfig, Options)) *Manager {
	return &Manager{
		pools:  make(map[cluster.Identity]*Pool),
		dial:   dial,
		newOpt: newOpt,
	}
}

// Get returns the pool for id, creating (and warming up) it on first use.
func (m *Manager) Get(id cluster.Identity) (*Pool, error) {
	m.mu.RLock()
	p, ok := m.pools[id]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[id]; ok {
		return p, nil
	}

	server, opts := m.newOpt(id)
	p = New(id, server, opts, m.dial)
	if m.onPoolExhausted != nil {
		p.SetOnPoolExhausted(m.onPoolExhausted)
	}
	m.pools[id] = p
	if opts.MinConns > 0 {
		go p.WarmUp()
	}
	return p, nil
}

// SetOnPoolExhausted wires a callback applied to every pool the manager
// creates from this point on (existing pools are updated in place too),
// mirroring the teacher's cmd/main.go wiring of PoolExhausted into its
// single tenant pool map.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
	for _, p := range m.pools {
		p.SetOnPoolExhausted(cb)
	}
}

// Peek returns the pool already created for id without creating one,
// used by load-balancer active-connection counting so probing a
// candidate backend that has never been checked out doesn't spin up a
// real pool (and dial a connection) just to ask how busy it is.
func (m *Manager) Peek(id cluster.Identity) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	return p, ok
}

// Checkout resolves one physical backend among candidates via pick and
// acquires a connection from its pool, failing over to the next
// candidate whenever the one pick chose turns out banned (or goes bad
// mid-acquire). logicalID is the identity tuple without its Backend
// discriminator set; Checkout fills Backend in per candidate before
// calling Get, so load balancing is resolved on every checkout instead
// of once when the first pool for a logical tuple is created, and a
// single banned candidate can't strand every future checkout on a dead
// backend when others are still healthy.
func (m *Manager) Checkout(ctx context.Context, logicalID cluster.Identity, candidates []cluster.Backend, pick func([]cluster.Backend) (cluster.Backend, error)) (*backend.Conn, *Pool, error) {
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: no candidate backends for %s", ErrUnknownPool, logicalID)
	}

	remaining := append([]cluster.Backend(nil), candidates...)
	var lastErr error
	for len(remaining) > 0 {
		chosen, err := pick(remaining)
		if err != nil {
			return nil, nil, err
		}

		id := logicalID
		id.Backend = chosen.Addr()
		p, err := m.Get(id)
		if err != nil {
			return nil, nil, err
		}

		if p.Banned() {
			remaining = withoutBackend(remaining, chosen)
			lastErr = fmt.Errorf("%w: %s", ErrBanned, chosen.Addr())
			continue
		}

		conn, err := p.Acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrBanned) || p.Banned() {
				remaining = withoutBackend(remaining, chosen)
				lastErr = err
				continue
			}
			return nil, nil, err
		}
		return conn, p, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no reachable backend for %s", ErrBanned, logicalID)
	}
	return nil, nil, lastErr
}

func withoutBackend(backends []cluster.Backend, remove cluster.Backend) []cluster.Backend {
	out := make([]cluster.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Addr() != remove.Addr() {
			out = append(out, b)
		}
	}
	return out
}

// AllStats returns a snapshot of every pool's statistics, used by the
// thin admin HTTP surface and by StartStatsLoop.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

// Remove drains and deletes the pool for one identity (e.g. a shard was
// removed from config on reload).
func (m *Manager) Remove(id cluster.Identity) {
	m.mu.Lock()
	p, ok := m.pools[id]
	if ok {
		delete(m.pools, id)
	}
	m.mu.Unlock()
	if ok {
		p.Close()
	}
}

// Close drains and closes every pool the manager owns.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.statsStopCh != nil {
		close(m.statsStopCh)
		m.statsStopCh = nil
	}
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[cluster.Identity]*Pool)
	m.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}

// StatsCallback receives one pool's point-in-time Stats.
type StatsCallback func(Stats)

// StartStatsLoop starts a background goroutine that invokes cb for every
// pool's current Stats on each tick, mirroring the teacher's
// Manager.StartStatsLoop. cmd/pgdog uses this to push occupancy into
// internal/metrics without internal/pool importing it directly.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	m.mu.Lock()
	if m.statsStopCh != nil {
		close(m.statsStopCh)
	}
	stopCh := make(chan struct{})
	m.statsStopCh = stopCh
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-stopCh:
				return
			}
		}
	}()
}

// Identity formats a human-readable pool key, used in error messages and
// the admin surface.
func Identity(id cluster.Identity) string {
	return id.String()
}
