// Package plugin implements the routing-plugin contract: an in-process
// capability chain that can forward, rewrite, short-circuit (intercept),
// or reject a statement before it reaches internal/route's own decision
// table. This replaces the shared-library/C-ABI plugin mechanism
// described in the spec this module is built from with a tagged-variant
// decision type plus a Go interface, since dynamic-library loading is a
// deployment concern a faithful in-process rewrite does not need to carry.
package plugin

import (
	"context"
	"fmt"

	"github.com/pgdog/pgdog-core/internal/cluster"
)

// DecisionKind tags which variant of Decision is populated.
type DecisionKind int

const (
	// NoDecision means the plugin has no opinion; the router proceeds
	// with its own classification and routing as if no plugin ran.
	NoDecision DecisionKind = iota
	// Forward routes the statement as-is to the shard/role in Route.
	Forward
	// Rewrite replaces the statement text before normal routing proceeds.
	Rewrite
	// Error rejects the statement outright with the given error fields.
	Error
	// Intercept short-circuits routing and returns Rows/RowDescription
	// directly to the client without contacting any backend.
	Intercept
)

func (k DecisionKind) String() string {
	switch k {
	case NoDecision:
		return "NoDecision"
	case Forward:
		return "Forward"
	case Rewrite:
		return "Rewrite"
	case Error:
		return "Error"
	case Intercept:
		return "Intercept"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Route names an explicit routing target a Forward decision pins a
// statement to, bypassing internal/route's own shard-key extraction.
type Route struct {
	ShardIndex int
	Role       cluster.Role
}

// Decision is the tagged-variant output of Router.RouteQuery, mirroring
// the five-way Forward|Rewrite|Error|Intercept|NoDecision contract.
// Exactly the fields relevant to Kind are populated; callers must switch
// on Kind before reading any other field.
type Decision struct {
	Kind DecisionKind

	// Forward
	Route Route

	// Rewrite
	NewText string

	// Error
	ErrorFields map[byte]string

	// Intercept
	RowDescription []byte
	Rows           [][]byte
}

// Input is everything a plugin needs to decide a query's fate, mirroring
// the spec's { query_text, parameters, database_config, cluster_shape }
// input shape.
type Input struct {
	QueryText    string
	Parameters   [][]byte
	Cluster      *cluster.Cluster
	ClusterShape ClusterShape
}

// ClusterShape is the read-only view of a cluster's topology a plugin is
// allowed to see, kept distinct from *cluster.Cluster so plugins cannot
// mutate live routing state.
type ClusterShape struct {
	Name      string
	NumShards int
	Sharded   bool
}

// Router is one routing plugin. Implementations must be reentrant: the
// chain may call RouteQuery concurrently from multiple client sessions.
type Router interface {
	// Init is called once at startup, before any RouteQuery call.
	Init(ctx context.Context) error
	// RouteQuery is called once per statement.
	RouteQuery(ctx context.Context, in Input) (Decision, error)
}

// Chain runs a sequence of Routers in order, stopping at the first
// Decision whose Kind is not NoDecision. This is the in-process
// equivalent of the spec's "capability object" composition: plugins are
// just Router values appended to a Chain at startup rather than shared
// libraries resolved at load time.
type Chain struct {
	routers []Router
}

// NewChain builds a Chain from zero or more routers, in evaluation order.
func NewChain(routers ...Router) *Chain {
	return &Chain{routers: routers}
}

// Init runs Init on every router in the chain, stopping at the first
// error.
func (c *Chain) Init(ctx context.Context) error {
	for _, r := range c.routers {
		if err := r.Init(ctx); err != nil {
			return fmt.Errorf("plugin: init failed: %w", err)
		}
	}
	return nil
}

// RouteQuery evaluates each router in order and returns the first
// non-NoDecision result. If every router abstains, it returns
// Decision{Kind: NoDecision}.
func (c *Chain) RouteQuery(ctx context.Context, in Input) (Decision, error) {
	for _, r := range c.routers {
		d, err := r.RouteQuery(ctx, in)
		if err != nil {
			return Decision{}, fmt.Errorf("plugin: router rejected query: %w", err)
		}
		if d.Kind != NoDecision {
			return d, nil
		}
	}
	return Decision{Kind: NoDecision}, nil
}

// Len reports how many routers are chained.
func (c *Chain) Len() int {
	return len(c.routers)
}
