package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/observability"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/runner"
	"github.com/rickbal456/fdyu-sub003/internal/service/admission"
	"github.com/rickbal456/fdyu-sub003/internal/service/dispatch"
	"github.com/rickbal456/fdyu-sub003/internal/service/executor"
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
)

type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeProcessing    Outcome = "processing"
	OutcomeUnknownTask   Outcome = domain.WebhookOutcomeUnknownTask
	OutcomeUnknownSource Outcome = "unknown_source"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeError         Outcome = "error"
)

// DefaultHandleTimeout bounds one webhook delivery, including the inline
// promotion it may trigger.
const DefaultHandleTimeout = 2 * time.Minute

type Dependencies struct {
	Store      ports.Store
	Provider   ports.ProviderClient
	Admission  *admission.Controller
	Executor   *executor.Service
	Dispatcher *dispatch.Dispatcher
	// Results is optional; when set, completed results are copied to
	// durable storage before the execution advances.
	Results       ports.ResultStorage
	HandleTimeout time.Duration
	Now           func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Service applies provider completions to tasks.
type Service struct {
	deps Dependencies
}

type ApplyResult struct {
	Outcome  Outcome
	Task     *domain.Task
	Released bool
	Promoted int
}

func NewService(deps Dependencies) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HandleTimeout <= 0 {
		deps.HandleTimeout = DefaultHandleTimeout
	}
	return &Service{deps: deps}
}

// HandleWebhook persists and applies one inbound delivery. It never returns
// an error: the provider gets a 2xx regardless and the outcome is recorded
// on the stored event. Processing is detached from ctx cancellation so a
// caller hanging up cannot leave a completion half applied.
func (s *Service) HandleWebhook(ctx context.Context, source string, query url.Values, body []byte) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.HandleTimeout)
	defer cancel()

	eventID := uuid.NewString()
	err := s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		return q.InsertWebhookEvent(ctx, &domain.WebhookEvent{
			ID:         eventID,
			Source:     source,
			Query:      query.Encode(),
			Body:       body,
			ReceivedAt: s.deps.Now(),
		})
	})
	if err != nil {
		s.deps.Logger.Error("persist webhook event failed", "source", source, "error", err)
		eventID = ""
	}

	outcome, externalID := s.handle(ctx, source, query, body)

	if eventID != "" {
		s.recordOutcome(ctx, eventID, outcome, externalID)
	}
	s.deps.Metrics.Webhook(source, string(outcome))
	return outcome
}

func (s *Service) recordOutcome(ctx context.Context, eventID string, outcome Outcome, externalID string) {
	if err := s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		return q.SetWebhookOutcome(ctx, eventID, string(outcome), externalID)
	}); err != nil {
		s.deps.Logger.Error("record webhook outcome failed", "event_id", eventID, "error", err)
	}
}

func (s *Service) handle(ctx context.Context, source string, query url.Values, body []byte) (outcome Outcome, externalID string) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Logger.Error("webhook processing panicked", "source", source, "panic", fmt.Sprint(r))
			outcome = OutcomeError
		}
	}()

	ev, err := s.deps.Provider.ParseCallback(source, query, body)
	if err != nil {
		var runnerErr *runner.RunnerError
		if errors.As(err, &runnerErr) && runnerErr.Code == runner.ErrorCodeProviderNotSupported {
			s.deps.Logger.Warn("webhook from unknown source", "source", source)
			return OutcomeUnknownSource, ""
		}
		s.deps.Logger.Warn("webhook payload rejected", "source", source, "error", err)
		return OutcomeInvalid, ""
	}
	res, err := s.Apply(ctx, ev)
	if err != nil {
		s.deps.Logger.Error("apply webhook failed", "source", source, "external_id", ev.ExternalID, "error", err)
		return OutcomeError, ev.ExternalID
	}
	return res.Outcome, ev.ExternalID
}

// Replay re-applies stored deliveries for externalID that matched no task
// when they arrived. It returns how many were replayed.
func (s *Service) Replay(ctx context.Context, source, externalID string) (int, error) {
	var events []*domain.WebhookEvent
	err := s.deps.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		events, err = q.ListWebhookEventsFor(ctx, source, externalID, string(OutcomeUnknownTask))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list unmatched deliveries: %w", err)
	}
	for _, stored := range events {
		query, err := url.ParseQuery(stored.Query)
		if err != nil {
			query = url.Values{}
		}
		outcome, _ := s.handle(ctx, stored.Source, query, stored.Body)
		if outcome == OutcomeError {
			// left unmatched so the retried work item picks it up again
			return 0, fmt.Errorf("replay delivery %s failed", stored.ID)
		}
		s.recordOutcome(ctx, stored.ID, outcome, externalID)
		s.deps.Logger.Info("replayed early delivery",
			"event_id", stored.ID,
			"source", source,
			"external_id", externalID,
			"outcome", outcome,
		)
	}
	return len(events), nil
}

// Apply moves the task matching ev.ExternalID. Only a transition that
// actually applied advances or fails the execution, so duplicate
// deliveries change nothing.
func (s *Service) Apply(ctx context.Context, ev runner.CallbackEvent) (ApplyResult, error) {
	var task *domain.Task
	err := s.deps.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		task, err = q.GetTaskByExternalID(ctx, ev.ExternalID)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		s.deps.Logger.Warn("callback for unknown task", "source", ev.Source, "external_id", ev.ExternalID)
		res := ApplyResult{Outcome: OutcomeUnknownTask}
		if ev.Status.Terminal() {
			res.Released, res.Promoted = s.release(ctx, ev.Source, ev.ExternalID)
		}
		return res, nil
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("lookup task by external id: %w", err)
	}

	if !ev.Status.Terminal() {
		return ApplyResult{Outcome: OutcomeProcessing, Task: task}, nil
	}

	now := s.deps.Now()
	var applied, execFailed bool
	err = s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		current, err := q.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		task = current
		if task.Status != domain.TaskProcessing {
			return nil
		}
		task.CompletedAt = &now
		task.Waiting = ""
		if ev.Status == runner.StatusCompleted {
			task.Status = domain.TaskCompleted
			task.ResultRef = ev.ResultURI
			task.Error = ""
		} else {
			task.Status = domain.TaskFailed
			task.Error = ev.Error
			if task.Error == "" {
				task.Error = "provider reported failure"
			}
		}
		applied, err = q.UpdateTaskIf(ctx, task, domain.TaskProcessing)
		if err != nil || !applied {
			return err
		}
		if _, err := q.DeleteWorkItemsForTasks(ctx, []string{task.ID}, domain.WorkPollStatus); err != nil {
			return err
		}
		if task.Status != domain.TaskFailed {
			return nil
		}
		exec, err := q.GetExecution(ctx, task.ExecutionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return nil
		}
		exec.Status = domain.ExecutionFailed
		exec.Error = task.Error
		exec.CompletedAt = &now
		execFailed = true
		return q.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply completion: %w", err)
	}

	res := ApplyResult{Outcome: OutcomeDuplicate, Task: task}
	if applied {
		res.Outcome = OutcomeApplied
		s.deps.Metrics.TaskTransition(string(task.Status))
		s.deps.Logger.Info("task completion applied",
			"task_id", task.ID,
			"execution_id", task.ExecutionID,
			"status", task.Status,
			"external_id", ev.ExternalID,
		)
	}
	if execFailed {
		s.deps.Metrics.ExecutionSettled(string(domain.ExecutionFailed))
	}

	// Release on every terminal delivery: a stopped or cancelled task still
	// holds its slot until the provider reports back.
	providerID := task.Provider
	if providerID == "" {
		providerID = ev.Source
	}
	res.Released, res.Promoted = s.release(ctx, providerID, ev.ExternalID)

	if !applied || task.Status != domain.TaskCompleted {
		return res, nil
	}
	if s.deps.Results != nil && task.ResultRef != "" {
		s.persistResult(ctx, task)
	}
	if _, err := s.deps.Dispatcher.Advance(ctx, task.ExecutionID); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) release(ctx context.Context, providerID, externalID string) (bool, int) {
	hash, err := s.deps.Admission.Release(ctx, providerID, externalID)
	if errors.Is(err, admission.ErrSlotNotFound) {
		return false, 0
	}
	if err != nil {
		s.deps.Logger.Error("release slot failed", "provider", providerID, "external_id", externalID, "error", err)
		return false, 0
	}
	return true, s.deps.Executor.Drain(ctx, providerID, hash)
}

func (s *Service) persistResult(ctx context.Context, task *domain.Task) {
	ref, err := s.deps.Results.Persist(ctx, *task, task.ResultRef)
	if err != nil {
		s.deps.Logger.Warn("persist result failed, keeping provider reference", "task_id", task.ID, "error", err)
		return
	}
	task.ResultRef = ref
	err = s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		_, err := q.UpdateTaskIf(ctx, task, domain.TaskCompleted)
		return err
	})
	if err != nil {
		s.deps.Logger.Error("rewrite result reference failed", "task_id", task.ID, "error", err)
	}
}
