package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/pgdog/pgdog-core/internal/cluster"
)

type stubRouter struct {
	decision Decision
	err      error
	inits    int
}

func (s *stubRouter) Init(ctx context.Context) error {
	s.inits++
	return nil
}

func (s *stubRouter) RouteQuery(ctx context.Context, in Input) (Decision, error) {
	return s.decision, s.err
}

func TestChainReturnsFirstNonNoDecision(t *testing.T) {
	abstain := &stubRouter{decision: Decision{Kind: NoDecision}}
	forward := &stubRouter{decision: Decision{Kind: Forward, Route: Route{ShardIndex: 1, Role: cluster.RolePrimary}}}
	neverCalled := &stubRouter{decision: Decision{Kind: Error}}

	chain := NewChain(abstain, forward, neverCalled)
	d, err := chain.RouteQuery(context.Background(), Input{QueryText: "SELECT 1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != Forward || d.Route.ShardIndex != 1 {
		t.Fatalf("got %+v", d)
	}
}

func TestChainAllAbstainReturnsNoDecision(t *testing.T) {
	chain := NewChain(&stubRouter{decision: Decision{Kind: NoDecision}}, &stubRouter{decision: Decision{Kind: NoDecision}})
	d, err := chain.RouteQuery(context.Background(), Input{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != NoDecision {
		t.Fatalf("got %+v", d)
	}
}

func TestChainPropagatesRouterError(t *testing.T) {
	chain := NewChain(&stubRouter{err: errors.New("boom")})
	_, err := chain.RouteQuery(context.Background(), Input{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestChainInitRunsEveryRouter(t *testing.T) {
	a := &stubRouter{}
	b := &stubRouter{}
	chain := NewChain(a, b)
	if err := chain.Init(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.inits != 1 || b.inits != 1 {
		t.Fatalf("got inits %d %d", a.inits, b.inits)
	}
}

func TestChainInitStopsAtFirstError(t *testing.T) {
	failing := &stubErrorInitRouter{}
	after := &stubRouter{}
	chain := NewChain(failing, after)
	if err := chain.Init(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if after.inits != 0 {
		t.Fatal("expected chain to stop before the second router's Init")
	}
}

type stubErrorInitRouter struct{}

func (stubErrorInitRouter) Init(ctx context.Context) error { return errors.New("init failed") }
func (stubErrorInitRouter) RouteQuery(ctx context.Context, in Input) (Decision, error) {
	return Decision{Kind: NoDecision}, nil
}

func TestDecisionKindString(t *testing.T) {
	cases := map[DecisionKind]string{
		NoDecision: "NoDecision",
		Forward:    "Forward",
		Rewrite:    "Rewrite",
		Error:      "Error",
		Intercept:  "Intercept",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}

func TestChainLen(t *testing.T) {
	chain := NewChain(&stubRouter{}, &stubRouter{}, &stubRouter{})
	if chain.Len() != 3 {
		t.Fatalf("got %d", chain.Len())
	}
}
