package control

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/observability"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/service/dispatch"
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
)

const (
	ReasonCancelled = "cancelled by user"
	ReasonStopped   = "stopped by user"
)

type Dependencies struct {
	Store       ports.Store
	Dispatcher  *dispatch.Dispatcher
	Credentials dispatch.Forgetter
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Service mutates executions outside the forward flow on operator request.
type Service struct {
	deps Dependencies
}

type CancelResult struct {
	Cancelled   []string `json:"cancelled"`
	FailedTasks int      `json:"failedTasks"`
}

type RetryResult struct {
	Task       domain.Task `json:"task"`
	Dispatched bool        `json:"dispatched"`
}

func NewService(deps Dependencies) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// Cancel stops an active execution. In-flight provider calls are not
// recalled; their slots are freed when the provider reports back or expires.
func (s *Service) Cancel(ctx context.Context, userID, executionID string, cascadeQueued bool) (CancelResult, error) {
	now := s.deps.Now()
	var res CancelResult
	err := s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		exec, err := s.owned(ctx, q, userID, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return domain.Conflictf("execution_not_active", "execution %s is already %s", exec.ID, exec.Status)
		}
		targets := []*domain.Execution{exec}
		if cascadeQueued {
			batch, err := q.ListBatchExecutions(ctx, exec.BatchID)
			if err != nil {
				return err
			}
			for _, other := range batch {
				if other.ID != exec.ID && other.Status == domain.ExecutionPending && other.StartedAt == nil {
					targets = append(targets, other)
				}
			}
		}

		var taskIDs []string
		for _, target := range targets {
			ids, err := cancelExecution(ctx, q, target, now)
			if err != nil {
				return err
			}
			taskIDs = append(taskIDs, ids...)
			res.Cancelled = append(res.Cancelled, target.ID)
		}
		res.FailedTasks = len(taskIDs)
		if len(taskIDs) == 0 {
			return nil
		}
		if _, err := q.DeleteQueueItemsForTasks(ctx, taskIDs); err != nil {
			return err
		}
		_, err = q.DeleteWorkItemsForTasks(ctx, taskIDs)
		return err
	})
	if err != nil {
		return CancelResult{}, err
	}

	for _, id := range res.Cancelled {
		if s.deps.Credentials != nil {
			s.deps.Credentials.Forget(id)
		}
		s.deps.Metrics.ExecutionSettled(string(domain.ExecutionCancelled))
	}
	for i := 0; i < res.FailedTasks; i++ {
		s.deps.Metrics.TaskTransition(string(domain.TaskFailed))
	}
	s.deps.Logger.Info("execution cancelled",
		"execution_id", executionID,
		"cascade", cascadeQueued,
		"executions", len(res.Cancelled),
		"failed_tasks", res.FailedTasks,
	)
	return res, nil
}

func cancelExecution(ctx context.Context, q *repo.Queries, exec *domain.Execution, now time.Time) ([]string, error) {
	tasks, err := q.ListTasks(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		t.Status = domain.TaskFailed
		t.Error = ReasonCancelled
		t.Waiting = ""
		t.CompletedAt = &now
		ok, err := q.UpdateTaskIf(ctx, t, domain.TaskPending, domain.TaskQueued, domain.TaskProcessing)
		if err != nil {
			return nil, err
		}
		if ok {
			failed = append(failed, t.ID)
		}
	}

	exec.Status = domain.ExecutionCancelled
	exec.Error = ReasonCancelled
	exec.CompletedAt = &now
	if err := q.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	flows, err := q.ListFlows(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	for _, flow := range flows {
		if flow.Status.Terminal() {
			continue
		}
		flow.Status = domain.ExecutionCancelled
		flow.CompletedAt = &now
		if err := q.UpdateFlow(ctx, flow); err != nil {
			return nil, err
		}
	}
	return failed, nil
}

// RetryNode resets one failed task and hands it back to the dispatcher.
func (s *Service) RetryNode(ctx context.Context, userID, executionID, taskID string) (RetryResult, error) {
	var task *domain.Task
	err := s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		exec, err := s.owned(ctx, q, userID, executionID)
		if err != nil {
			return err
		}
		task, err = ownedTask(ctx, q, exec.ID, taskID)
		if err != nil {
			return err
		}
		if task.Status != domain.TaskFailed {
			return domain.Conflictf("task_not_failed", "task %s is %s; only failed tasks can be retried", task.ID, task.Status)
		}
		if exec.Status == domain.ExecutionCancelled {
			return domain.Conflictf("execution_cancelled", "execution %s was cancelled", exec.ID)
		}

		task.Status = domain.TaskPending
		task.ExternalID = ""
		task.ResultRef = ""
		task.Error = ""
		task.Waiting = ""
		task.StartedAt = nil
		task.CompletedAt = nil
		ok, err := q.UpdateTaskIf(ctx, task, domain.TaskFailed)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Conflictf("task_not_failed", "task %s changed concurrently", task.ID)
		}

		if exec.Status != domain.ExecutionFailed {
			return nil
		}
		exec.Status = domain.ExecutionRunning
		exec.Error = ""
		exec.PartialOutput = ""
		exec.CompletedAt = nil
		if err := q.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		flows, err := q.ListFlows(ctx, exec.ID)
		if err != nil {
			return err
		}
		for _, flow := range flows {
			if flow.Status != domain.ExecutionFailed {
				continue
			}
			flow.Status = domain.ExecutionRunning
			flow.CompletedAt = nil
			if err := q.UpdateFlow(ctx, flow); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RetryResult{}, err
	}

	dispatched, err := s.deps.Dispatcher.Submit(ctx, task.ExecutionID, task.ID)
	if err != nil {
		return RetryResult{}, err
	}
	s.deps.Logger.Info("task retried", "execution_id", task.ExecutionID, "task_id", task.ID, "dispatched", dispatched)
	return RetryResult{Task: *task, Dispatched: dispatched}, nil
}

// StopNode force-fails one task. The execution is left for the operator to
// retry or cancel.
func (s *Service) StopNode(ctx context.Context, userID, executionID, taskID string) (*domain.Task, error) {
	now := s.deps.Now()
	var task *domain.Task
	err := s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		exec, err := s.owned(ctx, q, userID, executionID)
		if err != nil {
			return err
		}
		task, err = ownedTask(ctx, q, exec.ID, taskID)
		if err != nil {
			return err
		}
		if task.Status != domain.TaskProcessing && task.Status != domain.TaskPending {
			return domain.Conflictf("task_not_stoppable", "task %s is %s; only pending or processing tasks can be stopped", task.ID, task.Status)
		}
		task.Status = domain.TaskFailed
		task.Error = ReasonStopped
		task.Waiting = ""
		task.CompletedAt = &now
		ok, err := q.UpdateTaskIf(ctx, task, domain.TaskProcessing, domain.TaskPending)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Conflictf("task_not_stoppable", "task %s changed concurrently", task.ID)
		}
		_, err = q.DeleteWorkItemsForTasks(ctx, []string{task.ID})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.TaskTransition(string(domain.TaskFailed))
	s.deps.Logger.Info("task stopped", "execution_id", task.ExecutionID, "task_id", task.ID)
	return task, nil
}

func (s *Service) owned(ctx context.Context, q *repo.Queries, userID, executionID string) (*domain.Execution, error) {
	exec, err := q.GetExecution(ctx, strings.TrimSpace(executionID))
	if err != nil {
		return nil, err
	}
	if userID != "" && exec.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return exec, nil
}

func ownedTask(ctx context.Context, q *repo.Queries, executionID, taskID string) (*domain.Task, error) {
	task, err := q.GetTask(ctx, strings.TrimSpace(taskID))
	if err != nil {
		return nil, err
	}
	if task.ExecutionID != executionID {
		return nil, domain.ErrNotFound
	}
	return task, nil
}
