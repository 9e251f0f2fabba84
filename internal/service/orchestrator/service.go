package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/observability"
	"github.com/rickbal456/fdyu-sub003/internal/provider"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/service/dispatch"
	"github.com/rickbal456/fdyu-sub003/internal/service/graph"
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
)

const DefaultMaxRepeat = 100

// KeyRegistry keeps caller-supplied provider keys for a run.
type KeyRegistry interface {
	Register(executionIDs []string, keys map[string]string)
}

type Dependencies struct {
	Store       ports.Store
	Catalog     *provider.Catalog
	Dispatcher  *dispatch.Dispatcher
	Credentials KeyRegistry
	Ledger      ports.CreditLedger
	MaxRepeat   int
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Service turns an execute request into durable executions and starts the
// first one.
type Service struct {
	deps Dependencies
}

func NewService(deps Dependencies) *Service {
	if deps.MaxRepeat <= 0 {
		deps.MaxRepeat = DefaultMaxRepeat
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

func (s *Service) Start(ctx context.Context, userID string, req domain.ExecuteRequest) (domain.ExecuteResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ExecuteResponse{}, domain.Invalidf("user_required", "caller identity is required")
	}

	g, workflowID, err := s.resolveGraph(ctx, userID, req)
	if err != nil {
		return domain.ExecuteResponse{}, err
	}
	plan, err := graph.Compile(g)
	if err != nil {
		return domain.ExecuteResponse{}, err
	}

	var unitCost int64
	for _, node := range plan.Nodes {
		spec, err := s.deps.Catalog.NodeType(node.Type)
		if err != nil {
			return domain.ExecuteResponse{}, domain.Invalidf("node_type_unknown", "node %s has unknown type %q", node.ID, node.Type)
		}
		unitCost += spec.UnitCost
	}

	repeat := req.RepeatCount
	if repeat == 0 {
		repeat = 1
	}
	if override, ok := triggerRepeat(plan); ok {
		repeat = override
	}
	if repeat < 1 {
		return domain.ExecuteResponse{}, domain.Invalidf("repeat_count_invalid", "repeatCount must be at least 1")
	}
	if repeat > s.deps.MaxRepeat {
		repeat = s.deps.MaxRepeat
	}

	cost := unitCost * int64(repeat)
	if s.deps.Ledger != nil && cost > 0 {
		available, err := s.deps.Ledger.Available(ctx, userID)
		if err != nil {
			return domain.ExecuteResponse{}, fmt.Errorf("read credit balance: %w", err)
		}
		if available < cost {
			return domain.ExecuteResponse{}, &domain.InsufficientCreditsError{Required: cost, Available: available}
		}
	}

	now := s.deps.Now()
	batchID := uuid.NewString()
	snapshot := plan.Graph()
	execs := make([]*domain.Execution, 0, repeat)
	ids := make([]string, 0, repeat)
	for i := 1; i <= repeat; i++ {
		exec := &domain.Execution{
			ID:               uuid.NewString(),
			UserID:           userID,
			WorkflowID:       workflowID,
			BatchID:          batchID,
			Status:           domain.ExecutionPending,
			TotalIterations:  repeat,
			CurrentIteration: i,
			Graph:            snapshot,
			Order:            plan.Order,
			Inputs:           req.Inputs,
			CreatedAt:        now,
		}
		execs = append(execs, exec)
		ids = append(ids, exec.ID)
	}
	s.deps.Credentials.Register(ids, req.APIKeys)

	entries := plan.EntryNodes()
	err = s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		for _, exec := range execs {
			if err := q.InsertExecution(ctx, exec); err != nil {
				return err
			}
			for seq, nodeID := range plan.Order {
				if err := q.InsertTask(ctx, &domain.Task{
					ID:          uuid.NewString(),
					ExecutionID: exec.ID,
					NodeID:      nodeID,
					NodeType:    plan.NodeByID[nodeID].Type,
					Sequence:    seq,
					Status:      domain.TaskPending,
				}); err != nil {
					return err
				}
			}
			if len(entries) < 2 {
				continue
			}
			for priority, entry := range entries {
				if err := q.InsertFlow(ctx, &domain.FlowExecution{
					ID:          uuid.NewString(),
					ExecutionID: exec.ID,
					EntryNodeID: entry,
					Priority:    priority,
					Status:      domain.ExecutionPending,
					NodeIDs:     plan.Reachable(entry),
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return domain.ExecuteResponse{}, fmt.Errorf("create executions: %w", err)
	}

	if s.deps.Ledger != nil && cost > 0 {
		if err := s.deps.Ledger.Debit(ctx, userID, cost, batchID); err != nil {
			s.abandon(ctx, execs, "credit debit failed")
			if errors.Is(err, repo.ErrInsufficientBalance) {
				available, _ := s.deps.Ledger.Available(ctx, userID)
				return domain.ExecuteResponse{}, &domain.InsufficientCreditsError{Required: cost, Available: available}
			}
			return domain.ExecuteResponse{}, fmt.Errorf("debit credits: %w", err)
		}
	}

	res, err := s.deps.Dispatcher.Advance(ctx, execs[0].ID)
	if err != nil {
		return domain.ExecuteResponse{}, err
	}

	s.deps.Logger.Info("workflow execution started",
		"execution_id", execs[0].ID,
		"batch_id", batchID,
		"user_id", userID,
		"nodes", len(plan.Order),
		"iterations", repeat,
		"cost", cost,
	)
	return domain.ExecuteResponse{
		ExecutionID:  execs[0].ID,
		ExecutionIDs: ids,
		Status:       res.Status,
		NodeCount:    len(plan.Order),
		Cost:         cost,
	}, nil
}

func (s *Service) resolveGraph(ctx context.Context, userID string, req domain.ExecuteRequest) (domain.Graph, string, error) {
	if req.Graph != nil && len(req.Graph.Nodes) > 0 {
		return *req.Graph, strings.TrimSpace(req.WorkflowID), nil
	}
	workflowID := strings.TrimSpace(req.WorkflowID)
	if workflowID == "" {
		return domain.Graph{}, "", domain.Invalidf("graph_required", "either workflowId or graph is required")
	}
	wf, err := s.GetWorkflow(ctx, userID, workflowID)
	if err != nil {
		return domain.Graph{}, "", err
	}
	return wf.Graph, wf.ID, nil
}

// abandon fails executions whose run could not be paid for.
func (s *Service) abandon(ctx context.Context, execs []*domain.Execution, reason string) {
	now := s.deps.Now()
	err := s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		for _, exec := range execs {
			exec.Status = domain.ExecutionFailed
			exec.Error = reason
			exec.CompletedAt = &now
			if err := q.UpdateExecution(ctx, exec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.deps.Logger.Error("abandon unpaid executions failed", "batch_id", execs[0].BatchID, "error", err)
	}
}

// triggerRepeat reads repeat.enabled and repeat.count from the first trigger
// node in input order.
func triggerRepeat(plan *graph.Plan) (int, bool) {
	for _, node := range plan.Nodes {
		if node.Type != provider.NodeTrigger {
			continue
		}
		repeat, ok := node.Data["repeat"].(map[string]interface{})
		if !ok {
			return 0, false
		}
		if enabled, _ := repeat["enabled"].(bool); !enabled {
			return 0, false
		}
		count := toInt(repeat["count"])
		if count <= 0 {
			return 0, false
		}
		return count, true
	}
	return 0, false
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
