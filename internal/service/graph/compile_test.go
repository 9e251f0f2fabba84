package graph

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
)

func nodes(ids ...string) []domain.Node {
	out := make([]domain.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Node{ID: id, Type: "text_input"})
	}
	return out
}

func edge(from, to string) domain.Edge {
	return domain.Edge{From: domain.Port{Node: from, Port: "out"}, To: domain.Port{Node: to, Port: "in"}}
}

func TestCompileLinear(t *testing.T) {
	p, err := Compile(domain.Graph{
		Nodes: nodes("C", "B", "A"),
		Edges: []domain.Edge{edge("A", "B"), edge("B", "C")},
	})
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"A", "B", "C"}, p.Order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"A"}, p.EntryNodes())
}

func TestCompileTiesResolveInInputOrder(t *testing.T) {
	g := domain.Graph{
		Nodes: nodes("x", "b", "a", "join"),
		Edges: []domain.Edge{edge("a", "join"), edge("b", "join"), edge("x", "join")},
	}
	first, err := Compile(g)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"x", "b", "a", "join"}, first.Order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < 10; i++ {
		again, err := Compile(g)
		require.NoError(t, err)
		require.Equal(t, first.Order, again.Order)
	}
}

func TestCompileNewlyReadyNodeWaitsForEarlierInputs(t *testing.T) {
	// d becomes ready only after a, so c, already queued, goes first.
	p, err := Compile(domain.Graph{
		Nodes: nodes("a", "d", "c"),
		Edges: []domain.Edge{edge("a", "d")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, p.Order)
}

func TestCompileOrderIsTopological(t *testing.T) {
	g := domain.Graph{
		Nodes: nodes("out", "img", "prompt", "trigger", "vid"),
		Edges: []domain.Edge{
			edge("trigger", "prompt"),
			edge("prompt", "img"),
			edge("img", "vid"),
			edge("prompt", "vid"),
			edge("vid", "out"),
		},
	}
	p, err := Compile(g)
	require.NoError(t, err)
	pos := map[string]int{}
	for i, id := range p.Order {
		pos[id] = i
	}
	require.Len(t, pos, len(g.Nodes))
	for _, e := range g.Edges {
		assert.Less(t, pos[e.From.Node], pos[e.To.Node], "edge %s -> %s", e.From.Node, e.To.Node)
	}
}

func TestCompileCycle(t *testing.T) {
	_, err := Compile(domain.Graph{
		Nodes: nodes("start", "a", "b", "c"),
		Edges: []domain.Edge{edge("start", "a"), edge("a", "b"), edge("b", "c"), edge("c", "a")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicGraph))

	var cyc *CyclicGraphError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"a", "b", "c"}, cyc.Nodes)
}

func TestCompileValidation(t *testing.T) {
	cases := []struct {
		name string
		g    domain.Graph
		code string
	}{
		{name: "empty", g: domain.Graph{}, code: "graph_empty"},
		{name: "missing id", g: domain.Graph{Nodes: []domain.Node{{Type: "output"}}}, code: "node_id_required"},
		{name: "duplicate id", g: domain.Graph{Nodes: nodes("a", "a")}, code: "node_id_duplicated"},
		{name: "missing type", g: domain.Graph{Nodes: []domain.Node{{ID: "a"}}}, code: "node_type_required"},
		{name: "self loop", g: domain.Graph{Nodes: nodes("a"), Edges: []domain.Edge{edge("a", "a")}}, code: "edge_invalid"},
		{name: "unknown target", g: domain.Graph{Nodes: nodes("a"), Edges: []domain.Edge{edge("a", "zz")}}, code: "edge_invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.g)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.code, verr.Code)
		})
	}
}

func TestReachableAndUpstream(t *testing.T) {
	p, err := Compile(domain.Graph{
		Nodes: nodes("t1", "t2", "gen", "out"),
		Edges: []domain.Edge{edge("t1", "gen"), edge("gen", "out"), edge("t2", "out")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, p.EntryNodes())
	assert.Equal(t, []string{"t1", "gen", "out"}, p.Reachable("t1"))
	assert.Equal(t, []string{"t2", "out"}, p.Reachable("t2"))
	assert.Nil(t, p.Reachable("missing"))

	up := p.Upstream("out")
	require.Len(t, up, 2)
	assert.Equal(t, "gen", up[0].From.Node)
	assert.Equal(t, "t2", up[1].From.Node)
}
