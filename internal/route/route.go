// Package route resolves a classified query to a shard and role tier, and
// holds the cluster registry that makes that resolution possible. The
// registry reuses the teacher's lock-free atomic.Value snapshot pattern
// (internal/router/router.go in the teacher) so cluster reads never block
// on configuration reloads; this generalizes tenant lookup (one tenant ->
// one backend) to cluster/shard/role resolution (one cluster -> N shards,
// each with a primary and replicas).
package route

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/pgdog/pgdog-core/internal/cluster"
	"github.com/pgdog/pgdog-core/internal/inspect"
)

var (
	// ErrUnknownCluster is returned when a connection's routed database has
	// no matching cluster configuration.
	ErrUnknownCluster = errors.New("route: unknown cluster")
	// ErrNoShards is returned when a cluster has zero shards configured.
	ErrNoShards = errors.New("route: cluster has no shards")
	// ErrUnsupportedAggregate is returned when a cross-shard query uses an
	// aggregate shape the gather layer cannot recompute (DISTINCT, STDDEV,
	// and similar), per the unresolved cross-shard-aggregate semantics.
	ErrUnsupportedAggregate = errors.New("route: unsupported cross-shard aggregate")
	// ErrAmbiguousShardKey is returned when a write statement touches a
	// sharded table but no shard key could be extracted and no comment
	// hint was present.
	ErrAmbiguousShardKey = errors.New("route: could not determine shard for statement")
)

// Selector describes which shard(s) a statement must run against.
type Selector int

const (
	// SelectorDirect targets exactly one shard, resolved from a shard key.
	SelectorDirect Selector = iota
	// SelectorAny targets any single shard (load-balanced); used for
	// statements that don't touch sharded data, e.g. unsharded tables.
	SelectorAny
	// SelectorAll fans out to every shard and gathers results.
	SelectorAll
)

// Decision is the router's output for one statement: which shard(s), and
// which role tier, to send it to.
type Decision struct {
	Selector   Selector
	ShardIndex int // valid when Selector == SelectorDirect
	Role       cluster.Role
}

// registrySnapshot is an immutable point-in-time view of the cluster
// registry. Stored in atomic.Value for lock-free Resolve/Lookup.
type registrySnapshot struct {
	clusters map[string]*cluster.Cluster
	paused   map[string]bool
}

// Registry holds all configured clusters and supports hot reload without
// blocking readers on the hot path.
type Registry struct {
	snap atomic.Value // holds *registrySnapshot
	wmu  sync.Mutex
	rrMu sync.Mutex
	rr   map[string]int // round-robin cursor per cluster/shard/role key
}

// NewRegistry builds a registry from an initial set of clusters.
func NewRegistry(clusters []*cluster.Cluster) *Registry {
	snap := &registrySnapshot{
		clusters: make(map[string]*cluster.Cluster, len(clusters)),
		paused:   make(map[string]bool),
	}
	for _, c := range clusters {
		snap.clusters[c.Name] = c
	}
	reg := &Registry{rr: make(map[string]int)}
	reg.snap.Store(snap)
	return reg
}

func (reg *Registry) load() *registrySnapshot {
	return reg.snap.Load().(*registrySnapshot)
}

func (reg *Registry) cloneSnap() *registrySnapshot {
	cur := reg.load()
	clusters := make(map[string]*cluster.Cluster, len(cur.clusters))
	for k, v := range cur.clusters {
		clusters[k] = v
	}
	paused := make(map[string]bool, len(cur.paused))
	for k, v := range cur.paused {
		paused[k] = v
	}
	return &registrySnapshot{clusters: clusters, paused: paused}
}

// Lookup finds a cluster by name. Lock-free.
func (reg *Registry) Lookup(name string) (*cluster.Cluster, error) {
	c, ok := reg.load().clusters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCluster, name)
	}
	return c, nil
}

// IsPaused reports whether a cluster is currently paused (admin drain).
func (reg *Registry) IsPaused(name string) bool {
	return reg.load().paused[name]
}

// Pause marks a cluster paused; new client sessions should be held.
func (reg *Registry) Pause(name string) bool {
	reg.wmu.Lock()
	defer reg.wmu.Unlock()
	cur := reg.load()
	if _, ok := cur.clusters[name]; !ok {
		return false
	}
	s := reg.cloneSnap()
	s.paused[name] = true
	reg.snap.Store(s)
	return true
}

// Resume clears a cluster's paused flag.
func (reg *Registry) Resume(name string) bool {
	reg.wmu.Lock()
	defer reg.wmu.Unlock()
	cur := reg.load()
	if _, ok := cur.clusters[name]; !ok {
		return false
	}
	s := reg.cloneSnap()
	delete(s.paused, name)
	reg.snap.Store(s)
	return true
}

// Reload replaces the whole cluster set, carrying over paused state for
// clusters that still exist.
func (reg *Registry) Reload(clusters []*cluster.Cluster) {
	reg.wmu.Lock()
	defer reg.wmu.Unlock()

	cur := reg.load()
	newClusters := make(map[string]*cluster.Cluster, len(clusters))
	for _, c := range clusters {
		newClusters[c.Name] = c
	}
	newPaused := make(map[string]bool)
	for name, v := range cur.paused {
		if _, ok := newClusters[name]; ok {
			newPaused[name] = v
		}
	}
	reg.snap.Store(&registrySnapshot{clusters: newClusters, paused: newPaused})
}

// List returns every registered cluster name.
func (reg *Registry) List() []string {
	snap := reg.load()
	names := make([]string, 0, len(snap.clusters))
	for name := range snap.clusters {
		names = append(names, name)
	}
	return names
}

// Decide resolves a classified query against a cluster to a routing
// Decision. writeIntent forces a primary even for SELECTs run inside a
// transaction that has already written (session/transaction pinning is
// handled by the caller; Decide only picks based on statement shape).
func Decide(c *cluster.Cluster, meta inspect.QueryMeta, writeIntent bool) (Decision, error) {
	if c.NumShards() == 0 {
		return Decision{}, ErrNoShards
	}

	role := cluster.RolePrimary
	if !writeIntent && meta.Kind == inspect.Select {
		role = cluster.RoleReplica
	}

	if !c.Sharded() {
		return Decision{Selector: SelectorDirect, ShardIndex: 0, Role: role}, nil
	}

	if meta.Hint.HasForcedShard {
		if meta.Hint.ForcedShard < 0 || meta.Hint.ForcedShard >= c.NumShards() {
			return Decision{}, fmt.Errorf("route: forced shard %d out of range [0,%d)", meta.Hint.ForcedShard, c.NumShards())
		}
		return Decision{Selector: SelectorDirect, ShardIndex: meta.Hint.ForcedShard, Role: role}, nil
	}

	if meta.Kind == inspect.Select && !meta.AggregatesSupported {
		return Decision{}, ErrUnsupportedAggregate
	}

	if meta.Hint.HasShardingKey {
		table, _ := c.TableByName(firstOrEmpty(meta.Tables))
		idx, err := HashShard(meta.Hint.ShardingKeyValue, table.DataType, c.NumShards())
		if err != nil {
			return Decision{}, err
		}
		return Decision{Selector: SelectorDirect, ShardIndex: idx, Role: role}, nil
	}

	if meta.ShardKey != nil && meta.ShardKey.IsLiteral {
		table, _ := c.TableByName(firstOrEmpty(meta.Tables))
		idx, err := HashShard(meta.ShardKey.Literal, table.DataType, c.NumShards())
		if err != nil {
			return Decision{}, err
		}
		return Decision{Selector: SelectorDirect, ShardIndex: idx, Role: role}, nil
	}

	switch meta.Kind {
	case inspect.Select:
		return Decision{Selector: SelectorAll, Role: role}, nil
	case inspect.Insert, inspect.Update, inspect.Delete:
		if len(meta.Tables) > 0 {
			if _, ok := c.TableByName(meta.Tables[0]); ok {
				return Decision{}, ErrAmbiguousShardKey
			}
		}
		return Decision{Selector: SelectorAll, Role: cluster.RolePrimary}, nil
	default:
		return Decision{Selector: SelectorAll, Role: cluster.RolePrimary}, nil
	}
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// HashShard maps a shard-key literal string to a shard index, using the
// hash function appropriate to the column's declared type.
func HashShard(literal string, kind cluster.ShardKeyType, numShards int) (int, error) {
	if numShards <= 0 {
		return 0, ErrNoShards
	}
	switch kind {
	case cluster.ShardKeyBigint:
		var n int64
		if _, err := fmt.Sscanf(literal, "%d", &n); err != nil {
			return 0, fmt.Errorf("route: shard key %q is not a bigint: %w", literal, err)
		}
		return int(hashBigint(n) % uint64(numShards)), nil
	case cluster.ShardKeyText:
		h := xxhash.Sum64String(literal)
		return int(h % uint64(numShards)), nil
	default:
		// Vector sharding needs the centroid table; callers that reach
		// here without resolving a centroid first fall back to a stable
		// hash of the literal so routing stays deterministic.
		h := fnv.New64a()
		h.Write([]byte(literal))
		return int(h.Sum64() % uint64(numShards)), nil
	}
}

// hashBigint XORs the low and high 32-bit halves of v and mixes the
// result with the MurmurHash3 64-bit finalizer (murmurMix64). This is not
// PostgreSQL's hashint8 or its hash-partitioning function, so the shard
// it picks for a key does not match the partition PostgreSQL's own hash
// partitioning would place that key in.
func hashBigint(v int64) uint64 {
	lo := uint32(v)
	hi := uint32(v >> 32)
	key := uint64(lo) ^ uint64(hi)
	return murmurMix64(key)
}

func murmurMix64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}

// Balancer selects among candidate backends within one role tier.
type Balancer struct {
	mu       sync.Mutex
	rrCursor map[string]int
}

// NewBalancer constructs a Balancer with empty round-robin state.
func NewBalancer() *Balancer {
	return &Balancer{rrCursor: make(map[string]int)}
}

// Pick selects one backend from candidates using the given strategy. key
// scopes round-robin state (e.g. "cluster/shard/role").
func (b *Balancer) Pick(key string, candidates []cluster.Backend, strategy cluster.LoadBalancing, active func(cluster.Backend) int) (cluster.Backend, error) {
	if len(candidates) == 0 {
		return cluster.Backend{}, errors.New("route: no candidate backends")
	}
	switch strategy {
	case cluster.LBRoundRobin:
		b.mu.Lock()
		idx := b.rrCursor[key] % len(candidates)
		b.rrCursor[key] = idx + 1
		b.mu.Unlock()
		return candidates[idx], nil
	case cluster.LBLeastActiveConnections:
		if active == nil {
			return candidates[0], nil
		}
		best := candidates[0]
		bestN := active(best)
		for _, c := range candidates[1:] {
			if n := active(c); n < bestN {
				best, bestN = c, n
			}
		}
		return best, nil
	default: // LBRandom
		return candidates[rand.Intn(len(candidates))], nil
	}
}
