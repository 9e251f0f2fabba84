package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type forgetRecorder struct{ ids []string }

func (f *forgetRecorder) Forget(executionID string) { f.ids = append(f.ids, executionID) }

func newTestDispatcher(t *testing.T, advanceIterations bool) (*Dispatcher, *repo.Store, *forgetRecorder) {
	t.Helper()
	store, err := repo.NewStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	forgot := &forgetRecorder{}
	d := NewDispatcher(Dependencies{
		Store:             store,
		AdvanceIterations: advanceIterations,
		Credentials:       forgot,
		Now:               func() time.Time { return testNow },
	})
	return d, store, forgot
}

type seedTask struct {
	node   string
	status domain.TaskStatus
	result string
	err    string
}

func seed(t *testing.T, store *repo.Store, exec *domain.Execution, tasks ...seedTask) {
	t.Helper()
	ctx := context.Background()
	if exec.BatchID == "" {
		exec.BatchID = "batch-" + exec.ID
	}
	if exec.Status == "" {
		exec.Status = domain.ExecutionPending
	}
	if exec.TotalIterations == 0 {
		exec.TotalIterations = 1
		exec.CurrentIteration = 1
	}
	exec.UserID = "u1"
	exec.CreatedAt = testNow
	for _, st := range tasks {
		exec.Order = append(exec.Order, st.node)
		exec.Graph.Nodes = append(exec.Graph.Nodes, domain.Node{ID: st.node, Type: "text_input"})
	}
	require.NoError(t, store.Write(ctx, func(q *repo.Queries) error {
		if err := q.InsertExecution(ctx, exec); err != nil {
			return err
		}
		for i, st := range tasks {
			if err := q.InsertTask(ctx, &domain.Task{
				ID:          exec.ID + "-" + st.node,
				ExecutionID: exec.ID,
				NodeID:      st.node,
				NodeType:    "text_input",
				Sequence:    i,
				Status:      st.status,
				ResultRef:   st.result,
				Error:       st.err,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func loadExecution(t *testing.T, store *repo.Store, id string) (*domain.Execution, []*domain.Task) {
	t.Helper()
	ctx := context.Background()
	var exec *domain.Execution
	var tasks []*domain.Task
	require.NoError(t, store.Read(ctx, func(q *repo.Queries) error {
		var err error
		if exec, err = q.GetExecution(ctx, id); err != nil {
			return err
		}
		tasks, err = q.ListTasks(ctx, id)
		return err
	}))
	return exec, tasks
}

func outstandingWork(t *testing.T, store *repo.Store, taskID string) int {
	t.Helper()
	ctx := context.Background()
	var n int
	require.NoError(t, store.Read(ctx, func(q *repo.Queries) error {
		var err error
		n, err = q.CountOutstandingWork(ctx, taskID, domain.WorkExecuteNode)
		return err
	}))
	return n
}

func TestAdvanceDispatchesFirstPendingTaskOnce(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDispatcher(t, false)
	seed(t, store, &domain.Execution{ID: "e1"},
		seedTask{node: "a", status: domain.TaskPending},
		seedTask{node: "b", status: domain.TaskPending},
	)

	res, err := d.Advance(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ActionDispatched, res.Action)
	require.NotNil(t, res.Task)
	assert.Equal(t, "a", res.Task.NodeID)

	exec, tasks := loadExecution(t, store, "e1")
	assert.Equal(t, domain.ExecutionRunning, exec.Status)
	require.NotNil(t, exec.StartedAt)
	assert.Equal(t, domain.TaskQueued, tasks[0].Status)
	assert.Equal(t, domain.TaskPending, tasks[1].Status)
	assert.Equal(t, 1, outstandingWork(t, store, "e1-a"))

	// a redundant call while a task is queued changes nothing
	res, err = d.Advance(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ActionWaiting, res.Action)
	assert.Equal(t, 1, outstandingWork(t, store, "e1-a"))
	assert.Zero(t, outstandingWork(t, store, "e1-b"))
}

func TestAdvanceFinalizesCompletedExecution(t *testing.T) {
	ctx := context.Background()
	d, store, forgot := newTestDispatcher(t, false)
	seed(t, store, &domain.Execution{ID: "e1", Status: domain.ExecutionRunning},
		seedTask{node: "a", status: domain.TaskCompleted, result: "hello"},
		seedTask{node: "b", status: domain.TaskCompleted, result: "https://cdn.example/b.png"},
		seedTask{node: "c", status: domain.TaskCompleted, result: "https://cdn.example/c.png"},
	)

	res, err := d.Advance(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ActionFinalized, res.Action)
	assert.Equal(t, domain.ExecutionCompleted, res.Status)

	exec, _ := loadExecution(t, store, "e1")
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, map[string]string{
		"a": "hello",
		"b": "https://cdn.example/b.png",
		"c": "https://cdn.example/c.png",
	}, exec.Outputs)
	assert.Empty(t, exec.PartialOutput)
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, []string{"e1"}, forgot.ids)

	// settled executions stay put
	res, err = d.Advance(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
}

func TestFailedTaskBlocksSuccessorsThenSettlesFailed(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDispatcher(t, false)
	seed(t, store, &domain.Execution{ID: "e1", Status: domain.ExecutionRunning},
		seedTask{node: "a", status: domain.TaskCompleted, result: "https://cdn.example/a.png"},
		seedTask{node: "b", status: domain.TaskFailed, err: "provider rejected input"},
		seedTask{node: "c", status: domain.TaskPending},
	)

	res, err := d.Advance(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ActionWaiting, res.Action)
	assert.Zero(t, outstandingWork(t, store, "e1-c"))

	// once nothing is pending the execution settles failed with the last
	// completed result as partial output
	require.NoError(t, store.Write(ctx, func(q *repo.Queries) error {
		task, err := q.GetTask(ctx, "e1-c")
		if err != nil {
			return err
		}
		task.Status = domain.TaskFailed
		task.Error = "stopped by user"
		return q.UpdateTask(ctx, task)
	}))

	res, err = d.Advance(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ActionFinalized, res.Action)

	exec, _ := loadExecution(t, store, "e1")
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "https://cdn.example/a.png", exec.PartialOutput)
	assert.Equal(t, "provider rejected input", exec.Error)
	assert.Equal(t, map[string]string{"a": "https://cdn.example/a.png"}, exec.Outputs)
}

func TestSettleMarksFlows(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDispatcher(t, false)
	seed(t, store, &domain.Execution{ID: "e1", Status: domain.ExecutionRunning},
		seedTask{node: "a", status: domain.TaskCompleted, result: "x"},
		seedTask{node: "b", status: domain.TaskFailed, err: "boom"},
	)
	require.NoError(t, store.Write(ctx, func(q *repo.Queries) error {
		for i, node := range []string{"a", "b"} {
			if err := q.InsertFlow(ctx, &domain.FlowExecution{
				ID:          "f-" + node,
				ExecutionID: "e1",
				EntryNodeID: node,
				Priority:    i,
				Status:      domain.ExecutionRunning,
				NodeIDs:     []string{node},
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	_, err := d.Advance(ctx, "e1")
	require.NoError(t, err)

	var flows []*domain.FlowExecution
	require.NoError(t, store.Read(ctx, func(q *repo.Queries) error {
		var err error
		flows, err = q.ListFlows(ctx, "e1")
		return err
	}))
	require.Len(t, flows, 2)
	statuses := map[string]domain.ExecutionStatus{}
	for _, f := range flows {
		statuses[f.EntryNodeID] = f.Status
	}
	assert.Equal(t, domain.ExecutionCompleted, statuses["a"])
	assert.Equal(t, domain.ExecutionFailed, statuses["b"])
}

func TestAdvanceIterationsStartsNextOfBatch(t *testing.T) {
	ctx := context.Background()
	d, store, forgot := newTestDispatcher(t, true)
	seed(t, store, &domain.Execution{ID: "e1", BatchID: "b1", Status: domain.ExecutionRunning, TotalIterations: 2, CurrentIteration: 1},
		seedTask{node: "a", status: domain.TaskCompleted, result: "one"},
	)
	seed(t, store, &domain.Execution{ID: "e2", BatchID: "b1", TotalIterations: 2, CurrentIteration: 2},
		seedTask{node: "a", status: domain.TaskPending},
	)

	res, err := d.Advance(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ActionFinalized, res.Action)

	next, tasks := loadExecution(t, store, "e2")
	assert.Equal(t, domain.ExecutionRunning, next.Status)
	assert.Equal(t, domain.TaskQueued, tasks[0].Status)
	// keys stay registered while the batch continues
	assert.Empty(t, forgot.ids)
}

func TestIterationsWaitWithoutAutoAdvance(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDispatcher(t, false)
	seed(t, store, &domain.Execution{ID: "e1", BatchID: "b1", Status: domain.ExecutionRunning, TotalIterations: 2, CurrentIteration: 1},
		seedTask{node: "a", status: domain.TaskCompleted, result: "one"},
	)
	seed(t, store, &domain.Execution{ID: "e2", BatchID: "b1", TotalIterations: 2, CurrentIteration: 2},
		seedTask{node: "a", status: domain.TaskPending},
	)

	_, err := d.Advance(ctx, "e1")
	require.NoError(t, err)

	next, _ := loadExecution(t, store, "e2")
	assert.Equal(t, domain.ExecutionPending, next.Status)
}

func TestSubmitReportsWhetherTaskWasDispatched(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDispatcher(t, false)
	seed(t, store, &domain.Execution{ID: "e1", Status: domain.ExecutionRunning},
		seedTask{node: "a", status: domain.TaskCompleted, result: "x"},
		seedTask{node: "b", status: domain.TaskPending},
		seedTask{node: "c", status: domain.TaskPending},
	)

	ok, err := d.Submit(ctx, "e1", "e1-c")
	require.NoError(t, err)
	assert.False(t, ok, "c is not next in order")

	_, tasks := loadExecution(t, store, "e1")
	assert.Equal(t, domain.TaskQueued, tasks[1].Status)
}
