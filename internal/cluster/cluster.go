// Package cluster holds the static data model for PgDog's routing target:
// clusters, their shards, and the sharded-table metadata used by the query
// inspector and router. It mirrors the teacher's config.TenantConfig shape
// (one config struct describing a routable destination) generalized from a
// single-backend tenant to a multi-shard, multi-role cluster.
package cluster

import "fmt"

// Role distinguishes a primary (read/write) backend from a read replica.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "replica"
}

// LoadBalancing selects among candidate pools within one role tier.
type LoadBalancing int

const (
	LBRandom LoadBalancing = iota
	LBRoundRobin
	LBLeastActiveConnections
)

// PoolerMode controls how long a server connection stays bound to a client.
type PoolerMode int

const (
	ModeTransaction PoolerMode = iota
	ModeSession
)

// Backend is one physical PostgreSQL server: a primary or a replica within
// a shard.
type Backend struct {
	Host string
	Port int
	Role Role
}

func (b Backend) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Shard is one of a cluster's 0..N-1 partitions: at most one primary plus
// zero or more replicas.
type Shard struct {
	Index    int
	Primary  *Backend
	Replicas []Backend
}

// Candidates returns the physical backends eligible to serve role within
// this shard: the replica set for RoleReplica, falling back to the
// primary when the shard has no replicas (a single-backend shard serves
// both roles); the primary alone for RolePrimary. Callers re-run this on
// every checkout rather than once, so load balancing and ban failover
// see the shard's current replica set instead of a snapshot taken when
// the pool was first created.
func (s Shard) Candidates(role Role) []Backend {
	if role == RoleReplica && len(s.Replicas) > 0 {
		return s.Replicas
	}
	if s.Primary != nil {
		return []Backend{*s.Primary}
	}
	return nil
}

// ShardedTable describes a table whose rows are distributed by a sharding
// column, used by the query inspector for shard-key extraction.
type ShardedTable struct {
	Name          string
	Column        string
	DataType      ShardKeyType
	CentroidsPath string // optional, vector (nearest-centroid) sharding
}

// ShardKeyType is the declared type of a sharding column, which determines
// which hash function the router applies.
type ShardKeyType int

const (
	ShardKeyBigint ShardKeyType = iota
	ShardKeyText
	ShardKeyVector
)

// Cluster is a named set of shards serving one logical database, plus the
// pooling policy and sharded-table metadata that apply to all of it.
type Cluster struct {
	Name            string
	User            string
	Database        string
	PoolerMode      PoolerMode
	LoadBalancing   LoadBalancing
	Shards          []Shard
	ShardedTables   []ShardedTable
}

// NumShards reports the shard count. A cluster with exactly one shard (no
// sharded tables) is the common "single backend with replicas" case.
func (c *Cluster) NumShards() int {
	return len(c.Shards)
}

// Sharded reports whether this cluster has more than one shard.
func (c *Cluster) Sharded() bool {
	return len(c.Shards) > 1
}

// TableByName finds sharded-table metadata for a bare table name.
func (c *Cluster) TableByName(name string) (ShardedTable, bool) {
	for _, t := range c.ShardedTables {
		if t.Name == name {
			return t, true
		}
	}
	return ShardedTable{}, false
}

// Identity is the pool identity tuple of spec §3: (cluster, shard index,
// role, user, database), plus a Backend discriminator naming the physical
// address a given pool actually dials. Backend is resolved fresh on every
// checkout (see route.Balancer.Pick and pool.Manager.Checkout) rather than
// once when the logical tuple is first seen, so two identical logical
// tuples can still own distinct pools — one per candidate backend within
// the role tier — and a banned candidate doesn't take its siblings down
// with it.
type Identity struct {
	Cluster  string
	Shard    int
	Role     Role
	User     string
	Database string
	Backend  string
}

func (id Identity) String() string {
	if id.Backend == "" {
		return fmt.Sprintf("%s/shard%d/%s/%s/%s", id.Cluster, id.Shard, id.Role, id.User, id.Database)
	}
	return fmt.Sprintf("%s/shard%d/%s/%s/%s@%s", id.Cluster, id.Shard, id.Role, id.User, id.Database, id.Backend)
}
