package dispatch

import (
	"context"
	"time"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
)

// Finalizer aggregates task results once every task of an execution is
// terminal.
type Finalizer struct {
	deps Dependencies
}

type settlement struct {
	executionID   string
	status        domain.ExecutionStatus
	outputs       int
	nextIteration string
}

func newFinalizer(deps Dependencies) *Finalizer {
	return &Finalizer{deps: deps}
}

// settle runs inside the dispatcher's transaction. exec is updated in place.
func (f *Finalizer) settle(ctx context.Context, q *repo.Queries, exec *domain.Execution, tasks []*domain.Task) (*settlement, error) {
	now := f.deps.Now()
	outputs := make(map[string]string, len(tasks))
	status := domain.ExecutionCompleted
	partial := ""
	firstError := ""
	for _, t := range tasks {
		if t.ResultRef != "" && t.Status == domain.TaskCompleted {
			outputs[t.NodeID] = t.ResultRef
			partial = t.ResultRef
		}
		if t.Status != domain.TaskCompleted {
			status = domain.ExecutionFailed
			if firstError == "" && t.Error != "" {
				firstError = t.Error
			}
		}
	}

	exec.Status = status
	exec.Outputs = outputs
	exec.CompletedAt = &now
	if status == domain.ExecutionFailed {
		exec.PartialOutput = partial
		if exec.Error == "" {
			exec.Error = firstError
		}
	} else {
		exec.PartialOutput = ""
		exec.Error = ""
	}
	if err := q.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := f.settleFlows(ctx, q, exec.ID, tasks, now); err != nil {
		return nil, err
	}

	s := &settlement{executionID: exec.ID, status: status, outputs: len(outputs)}
	if status == domain.ExecutionCompleted && f.deps.AdvanceIterations {
		next, err := nextIteration(ctx, q, exec)
		if err != nil {
			return nil, err
		}
		s.nextIteration = next
	}
	return s, nil
}

func (f *Finalizer) settleFlows(ctx context.Context, q *repo.Queries, executionID string, tasks []*domain.Task, now time.Time) error {
	flows, err := q.ListFlows(ctx, executionID)
	if err != nil {
		return err
	}
	byNode := make(map[string]domain.TaskStatus, len(tasks))
	for _, t := range tasks {
		byNode[t.NodeID] = t.Status
	}
	for _, flow := range flows {
		status := domain.ExecutionCompleted
		for _, nodeID := range flow.NodeIDs {
			if byNode[nodeID] != domain.TaskCompleted {
				status = domain.ExecutionFailed
				break
			}
		}
		flow.Status = status
		flow.CompletedAt = &now
		if err := q.UpdateFlow(ctx, flow); err != nil {
			return err
		}
	}
	return nil
}

// nextIteration finds the next never-started iteration of the same batch.
func nextIteration(ctx context.Context, q *repo.Queries, exec *domain.Execution) (string, error) {
	if exec.TotalIterations <= 1 {
		return "", nil
	}
	batch, err := q.ListBatchExecutions(ctx, exec.BatchID)
	if err != nil {
		return "", err
	}
	for _, other := range batch {
		if other.CurrentIteration > exec.CurrentIteration && other.Status == domain.ExecutionPending && other.StartedAt == nil {
			return other.ID, nil
		}
	}
	return "", nil
}
