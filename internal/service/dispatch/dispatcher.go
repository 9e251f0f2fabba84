package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/observability"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
)

type Forgetter interface {
	Forget(executionID string)
}

type Dependencies struct {
	Store ports.Store
	// AdvanceIterations starts the next pending iteration of a batch once
	// the previous one completes.
	AdvanceIterations bool
	Credentials       Forgetter
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           *observability.Metrics
}

type Action string

const (
	ActionNone       Action = "none"
	ActionDispatched Action = "dispatched"
	ActionWaiting    Action = "waiting"
	ActionFinalized  Action = "finalized"
)

type AdvanceResult struct {
	Action Action
	Task   *domain.Task
	Status domain.ExecutionStatus
}

// Dispatcher moves an execution forward one task at a time.
type Dispatcher struct {
	deps      Dependencies
	finalizer *Finalizer
}

func NewDispatcher(deps Dependencies) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Dispatcher{deps: deps, finalizer: newFinalizer(deps)}
}

// Advance queues the first pending task of an execution as a work item.
// It is a no-op while a task is queued or processing, so redundant calls
// never double-dispatch. With nothing left to run it finalizes.
func (d *Dispatcher) Advance(ctx context.Context, executionID string) (AdvanceResult, error) {
	var res AdvanceResult
	var settled *settlement
	var firstStart bool
	err := d.deps.Store.Write(ctx, func(q *repo.Queries) error {
		exec, err := q.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		res = AdvanceResult{Action: ActionNone, Status: exec.Status}
		if exec.Status.Terminal() {
			return nil
		}
		tasks, err := q.ListTasks(ctx, exec.ID)
		if err != nil {
			return err
		}

		var next *domain.Task
		failed := false
		for _, t := range tasks {
			switch t.Status {
			case domain.TaskQueued, domain.TaskProcessing:
				res.Action = ActionWaiting
				return nil
			case domain.TaskFailed:
				failed = true
			case domain.TaskPending:
				if next == nil {
					next = t
				}
			}
		}

		if next == nil {
			settled, err = d.finalizer.settle(ctx, q, exec, tasks)
			if err != nil {
				return err
			}
			res.Action = ActionFinalized
			res.Status = exec.Status
			return nil
		}
		if failed {
			// a failed step blocks its successors until retried or cancelled
			res.Action = ActionWaiting
			return nil
		}

		now := d.deps.Now()
		next.Status = domain.TaskQueued
		next.Waiting = ""
		next.Error = ""
		ok, err := q.UpdateTaskIf(ctx, next, domain.TaskPending)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task %s changed during dispatch", next.ID)
		}
		if exec.StartedAt == nil {
			exec.StartedAt = &now
			firstStart = true
		}
		exec.Status = domain.ExecutionRunning
		if err := q.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		if err := d.markFlowsRunning(ctx, q, exec.ID, next.NodeID); err != nil {
			return err
		}
		if err := q.InsertWorkItem(ctx, &domain.WorkItem{
			ID:          uuid.NewString(),
			Kind:        domain.WorkExecuteNode,
			TaskID:      next.ID,
			ExecutionID: exec.ID,
			RunAt:       now,
		}); err != nil {
			return err
		}
		res = AdvanceResult{Action: ActionDispatched, Task: next, Status: exec.Status}
		return nil
	})
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("advance execution %s: %w", executionID, err)
	}

	switch res.Action {
	case ActionDispatched:
		d.deps.Metrics.TaskTransition(string(domain.TaskQueued))
		if firstStart {
			d.deps.Metrics.ExecutionStarted()
		}
		d.deps.Logger.Debug("task dispatched", "execution_id", executionID, "task_id", res.Task.ID, "node_id", res.Task.NodeID)
	case ActionFinalized:
		d.afterSettle(ctx, settled)
	}
	return res, nil
}

// Submit re-queues one reset task. The task is dispatched right away when
// it is next in order; otherwise it waits for the normal forward flow.
func (d *Dispatcher) Submit(ctx context.Context, executionID, taskID string) (bool, error) {
	res, err := d.Advance(ctx, executionID)
	if err != nil {
		return false, err
	}
	return res.Action == ActionDispatched && res.Task != nil && res.Task.ID == taskID, nil
}

func (d *Dispatcher) afterSettle(ctx context.Context, s *settlement) {
	if s == nil {
		return
	}
	d.deps.Metrics.ExecutionSettled(string(s.status))
	if d.deps.Credentials != nil && s.nextIteration == "" {
		d.deps.Credentials.Forget(s.executionID)
	}
	d.deps.Logger.Info("execution settled",
		"execution_id", s.executionID,
		"status", s.status,
		"outputs", s.outputs,
	)
	if s.nextIteration == "" {
		return
	}
	if _, err := d.Advance(ctx, s.nextIteration); err != nil && !errors.Is(err, context.Canceled) {
		d.deps.Logger.Error("start next iteration failed", "execution_id", s.nextIteration, "error", err)
	}
}

func (d *Dispatcher) markFlowsRunning(ctx context.Context, q *repo.Queries, executionID, nodeID string) error {
	flows, err := q.ListFlows(ctx, executionID)
	if err != nil {
		return err
	}
	for _, flow := range flows {
		if flow.Status != domain.ExecutionPending || !contains(flow.NodeIDs, nodeID) {
			continue
		}
		flow.Status = domain.ExecutionRunning
		if err := q.UpdateFlow(ctx, flow); err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
