package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/service/graph"
)

func (s *Service) SaveWorkflow(ctx context.Context, userID, workflowID string, req domain.SaveWorkflowRequest) (*domain.Workflow, error) {
	userID = strings.TrimSpace(userID)
	workflowID = strings.TrimSpace(workflowID)
	if userID == "" {
		return nil, domain.Invalidf("user_required", "caller identity is required")
	}
	if workflowID == "" {
		return nil, domain.Invalidf("workflow_id_required", "workflow id is required")
	}
	plan, err := graph.Compile(req.Graph)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = workflowID
	}
	wf := &domain.Workflow{
		ID:        workflowID,
		UserID:    userID,
		Name:      name,
		Graph:     plan.Graph(),
		UpdatedAt: s.deps.Now(),
	}
	err = s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		existing, err := q.GetWorkflow(ctx, workflowID)
		switch {
		case err == nil && existing.UserID != userID:
			return domain.Conflictf("workflow_owned", "workflow %s belongs to another user", workflowID)
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return err
		}
		return q.UpsertWorkflow(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// GetWorkflow hides workflows of other users behind ErrNotFound.
func (s *Service) GetWorkflow(ctx context.Context, userID, workflowID string) (*domain.Workflow, error) {
	var wf *domain.Workflow
	err := s.deps.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		wf, err = q.GetWorkflow(ctx, strings.TrimSpace(workflowID))
		return err
	})
	if err != nil {
		return nil, err
	}
	if wf.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return wf, nil
}

// Status returns the execution with its tasks and flows. An empty userID
// skips the ownership check (operator CLI).
func (s *Service) Status(ctx context.Context, userID, executionID string) (*domain.ExecutionStatusView, error) {
	view := &domain.ExecutionStatusView{}
	err := s.deps.Store.Read(ctx, func(q *repo.Queries) error {
		exec, err := q.GetExecution(ctx, strings.TrimSpace(executionID))
		if err != nil {
			return err
		}
		if userID != "" && exec.UserID != userID {
			return domain.ErrNotFound
		}
		view.Execution = *exec
		tasks, err := q.ListTasks(ctx, exec.ID)
		if err != nil {
			return err
		}
		view.Tasks = make([]domain.Task, 0, len(tasks))
		for _, t := range tasks {
			view.Tasks = append(view.Tasks, *t)
		}
		flows, err := q.ListFlows(ctx, exec.ID)
		if err != nil {
			return err
		}
		for _, f := range flows {
			view.Flows = append(view.Flows, *f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}
