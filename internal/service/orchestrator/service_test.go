package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/provider"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/service/adapters"
	"github.com/rickbal456/fdyu-sub003/internal/service/credential"
	"github.com/rickbal456/fdyu-sub003/internal/service/dispatch"
	"github.com/rickbal456/fdyu-sub003/internal/service/graph"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc         *Service
	store       *repo.Store
	ledger      adapters.RepoLedger
	credentials *credential.Resolver
}

func newFixture(t *testing.T, maxRepeat int) *fixture {
	t.Helper()
	store, err := repo.NewStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	catalog, err := provider.NewCatalog(nil, nil, nil)
	require.NoError(t, err)

	now := func() time.Time { return testNow }
	ledger := adapters.RepoLedger{Store: adapters.NewRepoStore(store), Now: now}
	creds := credential.NewResolver(credential.Dependencies{Catalog: catalog})
	svc := NewService(Dependencies{
		Store:       store,
		Catalog:     catalog,
		Dispatcher:  dispatch.NewDispatcher(dispatch.Dependencies{Store: store, Credentials: creds, Now: now}),
		Credentials: creds,
		Ledger:      ledger,
		MaxRepeat:   maxRepeat,
		Now:         now,
	})
	return &fixture{svc: svc, store: store, ledger: ledger, credentials: creds}
}

func linearGraph() *domain.Graph {
	return &domain.Graph{
		Nodes: []domain.Node{
			{ID: "C", Type: "output"},
			{ID: "A", Type: "text_input", Data: map[string]interface{}{"text": "hello"}},
			{ID: "B", Type: "kie_image"},
		},
		Edges: []domain.Edge{
			{From: domain.Port{Node: "A"}, To: domain.Port{Node: "B", Port: "prompt"}},
			{From: domain.Port{Node: "B"}, To: domain.Port{Node: "C"}},
		},
	}
}

func TestStartCreatesOrderedTasksAndDispatchesFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	require.NoError(t, f.ledger.Grant(ctx, "u1", 100, nil))

	out, err := f.svc.Start(ctx, "u1", domain.ExecuteRequest{Graph: linearGraph()})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, out.Status)
	assert.Equal(t, 3, out.NodeCount)
	assert.EqualValues(t, 4, out.Cost)
	assert.Equal(t, []string{out.ExecutionID}, out.ExecutionIDs)

	view, err := f.svc.Status(ctx, "u1", out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, view.Order)
	require.Len(t, view.Tasks, 3)
	for i, node := range []string{"A", "B", "C"} {
		assert.Equal(t, node, view.Tasks[i].NodeID)
		assert.Equal(t, i, view.Tasks[i].Sequence)
	}
	assert.Equal(t, domain.TaskQueued, view.Tasks[0].Status)
	assert.Equal(t, domain.TaskPending, view.Tasks[1].Status)
	assert.Empty(t, view.Flows, "single-entry graphs carry no flows")

	available, err := f.ledger.Available(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 96, available)
}

func TestStartRefusesWhenCreditsShort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	require.NoError(t, f.ledger.Grant(ctx, "u1", 10, nil))

	_, err := f.svc.Start(ctx, "u1", domain.ExecuteRequest{Graph: linearGraph(), RepeatCount: 3})
	var credits *domain.InsufficientCreditsError
	require.True(t, errors.As(err, &credits))
	assert.EqualValues(t, 12, credits.Required)
	assert.EqualValues(t, 10, credits.Available)

	available, err := f.ledger.Available(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, available, "nothing is debited on refusal")
}

func TestStartFailsUnpaidExecutionsWhenDebitFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.svc.deps.Ledger = adapters.LedgerFuncs{
		AvailableFunc: func(context.Context, string) (int64, error) { return 100, nil },
		DebitFunc: func(context.Context, string, int64, string) error {
			return repo.ErrInsufficientBalance
		},
	}

	_, err := f.svc.Start(ctx, "u1", domain.ExecuteRequest{Graph: linearGraph()})
	var credits *domain.InsufficientCreditsError
	require.True(t, errors.As(err, &credits))
	assert.EqualValues(t, 4, credits.Required)
}

func TestStartDebitsWholeBatchUnderOneReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	var debits []int64
	var refs []string
	f.svc.deps.Ledger = adapters.LedgerFuncs{
		AvailableFunc: func(context.Context, string) (int64, error) { return 1000, nil },
		DebitFunc: func(_ context.Context, userID string, amount int64, reference string) error {
			debits = append(debits, amount)
			refs = append(refs, reference)
			return nil
		},
	}

	out, err := f.svc.Start(ctx, "u1", domain.ExecuteRequest{Graph: linearGraph(), RepeatCount: 5})
	require.NoError(t, err)
	assert.Len(t, out.ExecutionIDs, 5)
	assert.Equal(t, []int64{20}, debits)

	view, err := f.svc.Status(ctx, "u1", out.ExecutionIDs[4])
	require.NoError(t, err)
	assert.Equal(t, refs[0], view.BatchID)
	assert.Equal(t, 5, view.TotalIterations)
	assert.Equal(t, 5, view.CurrentIteration)
	assert.Equal(t, domain.ExecutionPending, view.Status)
}

func TestTriggerRepeatOverridesAndClamps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	g := &domain.Graph{Nodes: []domain.Node{
		{ID: "t", Type: "trigger", Data: map[string]interface{}{
			"repeat": map[string]interface{}{"enabled": true, "count": float64(3)},
		}},
		{ID: "x", Type: "text_input"},
	}, Edges: []domain.Edge{{From: domain.Port{Node: "t"}, To: domain.Port{Node: "x"}}}}

	out, err := f.svc.Start(ctx, "u1", domain.ExecuteRequest{Graph: g, RepeatCount: 1})
	require.NoError(t, err)
	assert.Len(t, out.ExecutionIDs, 3)

	g.Nodes[0].Data["repeat"] = map[string]interface{}{"enabled": true, "count": float64(50)}
	out, err = f.svc.Start(ctx, "u1", domain.ExecuteRequest{Graph: g})
	require.NoError(t, err)
	assert.Len(t, out.ExecutionIDs, 5)

	g.Nodes[0].Data["repeat"] = map[string]interface{}{"enabled": false, "count": float64(4)}
	out, err = f.svc.Start(ctx, "u1", domain.ExecuteRequest{Graph: g, RepeatCount: 2})
	require.NoError(t, err)
	assert.Len(t, out.ExecutionIDs, 2)
}

func TestStartValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	cases := []struct {
		name string
		user string
		req  domain.ExecuteRequest
		code string
	}{
		{name: "no user", user: "", req: domain.ExecuteRequest{Graph: linearGraph()}, code: "user_required"},
		{name: "no graph", user: "u1", req: domain.ExecuteRequest{}, code: "graph_required"},
		{name: "negative repeat", user: "u1", req: domain.ExecuteRequest{Graph: linearGraph(), RepeatCount: -2}, code: "repeat_count_invalid"},
		{name: "unknown type", user: "u1", req: domain.ExecuteRequest{Graph: &domain.Graph{
			Nodes: []domain.Node{{ID: "x", Type: "teleporter"}},
		}}, code: "node_type_unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Start(ctx, tc.user, tc.req)
			var validation *domain.ValidationError
			require.True(t, errors.As(err, &validation), "got %v", err)
			assert.Equal(t, tc.code, validation.Code)
		})
	}
}

func TestStartRejectsCycles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	g := &domain.Graph{
		Nodes: []domain.Node{{ID: "A", Type: "text_input"}, {ID: "B", Type: "text_input"}, {ID: "C", Type: "output"}},
		Edges: []domain.Edge{
			{From: domain.Port{Node: "A"}, To: domain.Port{Node: "B"}},
			{From: domain.Port{Node: "B"}, To: domain.Port{Node: "A"}},
			{From: domain.Port{Node: "B"}, To: domain.Port{Node: "C"}},
		},
	}
	_, err := f.svc.Start(ctx, "u1", domain.ExecuteRequest{Graph: g})
	var cyclic *graph.CyclicGraphError
	require.True(t, errors.As(err, &cyclic))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, cyclic.Nodes)
}

func TestStartCreatesFlowsForEveryEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	g := &domain.Graph{
		Nodes: []domain.Node{
			{ID: "p1", Type: "text_input"},
			{ID: "p2", Type: "text_input"},
			{ID: "out1", Type: "output"},
			{ID: "out2", Type: "output"},
		},
		Edges: []domain.Edge{
			{From: domain.Port{Node: "p1"}, To: domain.Port{Node: "out1"}},
			{From: domain.Port{Node: "p2"}, To: domain.Port{Node: "out2"}},
		},
	}
	out, err := f.svc.Start(ctx, "u1", domain.ExecuteRequest{Graph: g})
	require.NoError(t, err)

	view, err := f.svc.Status(ctx, "u1", out.ExecutionID)
	require.NoError(t, err)
	require.Len(t, view.Flows, 2)
	assert.Equal(t, "p1", view.Flows[0].EntryNodeID)
	assert.Equal(t, 0, view.Flows[0].Priority)
	assert.Equal(t, []string{"p1", "out1"}, view.Flows[0].NodeIDs)
	assert.Equal(t, domain.ExecutionRunning, view.Flows[0].Status)
	assert.Equal(t, "p2", view.Flows[1].EntryNodeID)
	assert.Equal(t, 1, view.Flows[1].Priority)
	assert.Equal(t, domain.ExecutionPending, view.Flows[1].Status)
}

func TestStartRegistersCallerKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	require.NoError(t, f.ledger.Grant(ctx, "u1", 100, nil))

	out, err := f.svc.Start(ctx, "u1", domain.ExecuteRequest{
		Graph:   linearGraph(),
		APIKeys: map[string]string{"KIE": " sk-caller "},
	})
	require.NoError(t, err)

	cred, err := f.credentials.Resolve(ctx, "kie", "u1", out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "sk-caller", cred.Key)
	assert.Equal(t, credential.SourceCaller, cred.Source)
}

func TestWorkflowsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	wf, err := f.svc.SaveWorkflow(ctx, "u1", "wf-1", domain.SaveWorkflowRequest{Graph: *linearGraph()})
	require.NoError(t, err)
	assert.Equal(t, "wf-1", wf.Name)

	_, err = f.svc.GetWorkflow(ctx, "u2", "wf-1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = f.svc.SaveWorkflow(ctx, "u2", "wf-1", domain.SaveWorkflowRequest{Graph: *linearGraph()})
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "workflow_owned", conflict.Code)

	require.NoError(t, f.ledger.Grant(ctx, "u1", 100, nil))
	out, err := f.svc.Start(ctx, "u1", domain.ExecuteRequest{WorkflowID: "wf-1"})
	require.NoError(t, err)

	view, err := f.svc.Status(ctx, "u1", out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", view.WorkflowID)

	_, err = f.svc.Status(ctx, "u2", out.ExecutionID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = f.svc.Status(ctx, "", out.ExecutionID)
	assert.NoError(t, err)

	_, err = f.svc.Start(ctx, "u2", domain.ExecuteRequest{WorkflowID: "wf-1"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
