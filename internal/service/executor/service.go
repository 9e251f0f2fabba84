package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/observability"
	"github.com/rickbal456/fdyu-sub003/internal/provider"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/runner"
	"github.com/rickbal456/fdyu-sub003/internal/service/admission"
	"github.com/rickbal456/fdyu-sub003/internal/service/credential"
	"github.com/rickbal456/fdyu-sub003/internal/service/graph"
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
)

const RateLimitedMessage = "rate limited: waiting for provider capacity"

type Outcome string

const (
	// OutcomeCompleted is a local node finished synchronously; the caller
	// advances the execution.
	OutcomeCompleted Outcome = "completed"
	OutcomeSubmitted Outcome = "submitted"
	OutcomeQueued    Outcome = "queued"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped means the task was no longer waiting to run.
	OutcomeSkipped Outcome = "skipped"
)

type Result struct {
	Outcome Outcome
	Task    *domain.Task
}

type Dependencies struct {
	Store         ports.Store
	Catalog       *provider.Catalog
	Admission     *admission.Controller
	Credentials   *credential.Resolver
	Provider      ports.ProviderClient
	PublicBaseURL string
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Service runs one task, either locally or as an admitted provider call.
type Service struct {
	deps Dependencies
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

type taskContext struct {
	task     *domain.Task
	exec     *domain.Execution
	node     domain.Node
	spec     provider.NodeTypeSpec
	upstream []domain.Edge
	results  map[string]string
}

// Execute runs a queued task.
func (s *Service) Execute(ctx context.Context, taskID string) (Result, error) {
	tc, err := s.load(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if tc.task.Status != domain.TaskQueued || tc.exec.Status.Terminal() {
		return Result{Outcome: OutcomeSkipped, Task: tc.task}, nil
	}
	if tc.task.Waiting == domain.WaitRateLimited {
		// already parked on the admission queue
		return Result{Outcome: OutcomeQueued, Task: tc.task}, nil
	}

	spec, err := s.deps.Catalog.NodeType(tc.task.NodeType)
	if err != nil {
		return s.fail(ctx, tc.task, err.Error())
	}
	tc.spec = spec
	input := buildInput(tc.node, tc.exec.Inputs[tc.node.ID], tc.upstream, tc.results)

	if spec.Kind == provider.NodeLocal {
		return s.runLocal(ctx, tc, input)
	}

	cred, err := s.deps.Credentials.Resolve(ctx, spec.Provider, tc.exec.UserID, tc.exec.ID)
	if err != nil {
		return s.fail(ctx, tc.task, err.Error())
	}
	res, denied, err := s.call(ctx, tc, cred, input)
	if err != nil {
		return res, err
	}
	if res.Outcome == OutcomeFailed {
		// the failed call gave its slot back
		s.Drain(ctx, spec.Provider, cred.Hash)
		return res, nil
	}
	if !denied {
		return res, nil
	}

	err = s.deps.Admission.Enqueue(ctx, &domain.QueueItem{
		Provider:       spec.Provider,
		CredentialHash: cred.Hash,
		TaskID:         tc.task.ID,
		ExecutionID:    tc.exec.ID,
		NodeID:         tc.node.ID,
		NodeType:       tc.task.NodeType,
		Input:          input,
	})
	if err != nil {
		return Result{}, err
	}
	task := *tc.task
	task.Provider = spec.Provider
	task.Waiting = domain.WaitRateLimited
	task.Error = RateLimitedMessage
	if err := s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		_, err := q.UpdateTaskIf(ctx, &task, domain.TaskQueued)
		return err
	}); err != nil {
		return Result{}, fmt.Errorf("mark task rate limited: %w", err)
	}
	s.deps.Logger.Info("task queued for provider capacity",
		"task_id", task.ID,
		"execution_id", task.ExecutionID,
		"provider", spec.Provider,
		"credential", observability.ShortHash(cred.Hash),
	)
	return Result{Outcome: OutcomeQueued, Task: &task}, nil
}

// ExecuteQueued runs an admission queue item promoted by ProcessQueue. An
// item whose run fails before the provider accepted it goes back to the
// queue.
func (s *Service) ExecuteQueued(ctx context.Context, item *domain.QueueItem) (Result, error) {
	res, err := s.executeQueued(ctx, item)
	if err != nil {
		if rerr := s.deps.Admission.Requeue(context.WithoutCancel(ctx), item.ID); rerr != nil {
			s.deps.Logger.Error("requeue promoted item failed", "queue_item_id", item.ID, "task_id", item.TaskID, "error", rerr)
		}
	}
	return res, err
}

func (s *Service) executeQueued(ctx context.Context, item *domain.QueueItem) (Result, error) {
	tc, err := s.load(ctx, item.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		s.settle(ctx, item, domain.QueueItemFailed)
		return Result{Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if tc.task.Status != domain.TaskQueued || tc.exec.Status.Terminal() {
		s.settle(ctx, item, domain.QueueItemFailed)
		return Result{Outcome: OutcomeSkipped, Task: tc.task}, nil
	}
	spec, err := s.deps.Catalog.NodeType(tc.task.NodeType)
	if err != nil {
		s.settle(ctx, item, domain.QueueItemFailed)
		return s.fail(ctx, tc.task, err.Error())
	}
	tc.spec = spec

	cred, err := s.deps.Credentials.Lookup(ctx, item.Provider, tc.exec.UserID, item.CredentialHash)
	if err != nil {
		s.settle(ctx, item, domain.QueueItemFailed)
		return s.fail(ctx, tc.task, err.Error())
	}

	res, denied, err := s.call(ctx, tc, cred, item.Input)
	if err != nil {
		return res, err
	}
	switch {
	case denied:
		return Result{Outcome: OutcomeQueued, Task: tc.task}, s.deps.Admission.Requeue(ctx, item.ID)
	case res.Outcome == OutcomeFailed:
		s.settle(ctx, item, domain.QueueItemFailed)
	default:
		s.settle(ctx, item, domain.QueueItemCompleted)
	}
	return res, nil
}

// settle records the end state of a promoted item. A failure leaves the item
// processing until Cleanup requeues it.
func (s *Service) settle(ctx context.Context, item *domain.QueueItem, to domain.QueueItemStatus) {
	if err := s.deps.Admission.Settle(context.WithoutCancel(ctx), item.ID, to); err != nil {
		s.deps.Logger.Error("settle promoted item failed",
			"queue_item_id", item.ID,
			"task_id", item.TaskID,
			"status", to,
			"error", err,
		)
	}
}

// Drain promotes and runs queued items of a pair until capacity or the
// queue runs out. Failures are logged; the maintenance pass retries.
func (s *Service) Drain(ctx context.Context, providerID, credentialHash string) int {
	started := 0
	for {
		item, err := s.deps.Admission.ProcessQueue(ctx, providerID, credentialHash)
		if err != nil {
			s.deps.Logger.Error("process admission queue failed", "provider", providerID, "error", err)
			return started
		}
		if item == nil {
			return started
		}
		res, err := s.ExecuteQueued(ctx, item)
		if err != nil {
			s.deps.Logger.Error("execute promoted item failed", "task_id", item.TaskID, "error", err)
			return started
		}
		if res.Outcome == OutcomeQueued {
			return started
		}
		if res.Outcome == OutcomeSubmitted {
			started++
		}
	}
}

// call acquires a slot and issues the outbound request. denied reports that
// no slot was available and nothing was sent.
func (s *Service) call(ctx context.Context, tc *taskContext, cred credential.Credential, input map[string]interface{}) (Result, bool, error) {
	providerSpec, err := s.deps.Catalog.Provider(tc.spec.Provider)
	if err != nil {
		res, ferr := s.fail(ctx, tc.task, err.Error())
		return res, false, ferr
	}

	grant, err := s.deps.Admission.Acquire(ctx, admission.SlotRequest{
		Provider:       providerSpec.ID,
		CredentialHash: cred.Hash,
		TaskID:         tc.task.ID,
		ExecutionID:    tc.exec.ID,
	})
	if err != nil {
		return Result{}, false, err
	}
	if !grant.Admitted {
		return Result{}, true, nil
	}

	submitted, err := s.deps.Provider.Submit(ctx, runner.SubmitRequest{
		Provider:    providerSpec.ID,
		Model:       modelFor(tc.node, tc.spec),
		APIKey:      cred.Key,
		BaseURL:     providerSpec.BaseURL,
		CallbackURL: s.callbackURL(providerSpec),
		Input:       input,
	})
	if err != nil {
		if _, rerr := s.deps.Admission.Release(ctx, providerSpec.ID, grant.Token); rerr != nil {
			s.deps.Logger.Warn("release slot after provider error failed", "task_id", tc.task.ID, "error", rerr)
		}
		s.deps.Logger.Warn("provider call failed",
			"task_id", tc.task.ID,
			"provider", providerSpec.ID,
			"credential", observability.ShortHash(cred.Hash),
			"error", err,
		)
		res, ferr := s.fail(ctx, tc.task, providerErrorMessage(err))
		return res, false, ferr
	}

	// The provider holds the job now; recording it must outlive the caller.
	ctx = context.WithoutCancel(ctx)
	if err := s.deps.Admission.Exchange(ctx, grant.Token, submitted.ExternalID); err != nil {
		s.rekeySlot(ctx, tc, cred, providerSpec.ID, grant.Token, submitted.ExternalID, err)
	}

	now := s.deps.Now()
	task := *tc.task
	task.Status = domain.TaskProcessing
	task.Provider = providerSpec.ID
	task.ExternalID = submitted.ExternalID
	task.Waiting = ""
	task.Error = ""
	task.ResultRef = ""
	task.StartedAt = &now
	var applied bool
	err = s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		applied, err = q.UpdateTaskIf(ctx, &task, domain.TaskQueued)
		if err != nil || !applied {
			return err
		}
		if err := scheduleReplay(ctx, q, &task, now); err != nil {
			return err
		}
		if providerSpec.Completion != provider.CompletionPoll {
			return nil
		}
		return q.InsertWorkItem(ctx, &domain.WorkItem{
			ID:          uuid.NewString(),
			Kind:        domain.WorkPollStatus,
			TaskID:      task.ID,
			ExecutionID: task.ExecutionID,
			Payload: map[string]interface{}{
				"provider":        providerSpec.ID,
				"credential_hash": cred.Hash,
			},
			RunAt: now.Add(providerSpec.PollInterval),
		})
	})
	if err != nil {
		return Result{}, false, fmt.Errorf("mark task processing: %w", err)
	}
	if !applied {
		// Stopped or cancelled while the call was in flight. The slot stays
		// keyed by the external id so the callback can still release it.
		s.deps.Logger.Info("task left queued state during provider call", "task_id", task.ID, "external_id", task.ExternalID)
		if err := s.deps.Store.Write(ctx, func(q *repo.Queries) error {
			return scheduleReplay(ctx, q, &task, now)
		}); err != nil {
			s.deps.Logger.Error("schedule callback replay failed", "task_id", task.ID, "error", err)
		}
		return Result{Outcome: OutcomeSkipped, Task: &task}, false, nil
	}
	s.deps.Metrics.TaskTransition(string(domain.TaskProcessing))
	s.deps.Logger.Info("provider call accepted",
		"task_id", task.ID,
		"execution_id", task.ExecutionID,
		"provider", providerSpec.ID,
		"external_id", task.ExternalID,
	)
	return Result{Outcome: OutcomeSubmitted, Task: &task}, false, nil
}

// rekeySlot keeps the in-flight call counted under its external id when the
// temporary slot could not be exchanged.
func (s *Service) rekeySlot(ctx context.Context, tc *taskContext, cred credential.Credential, providerID, token, externalID string, cause error) {
	s.deps.Logger.Error("exchange slot token failed",
		"task_id", tc.task.ID,
		"provider", providerID,
		"external_id", externalID,
		"error", cause,
	)
	if _, err := s.deps.Admission.Release(ctx, providerID, token); err != nil && !errors.Is(err, admission.ErrSlotNotFound) {
		s.deps.Logger.Error("release temporary slot failed", "task_id", tc.task.ID, "error", err)
	}
	err := s.deps.Admission.Adopt(ctx, admission.SlotRequest{
		Provider:       providerID,
		CredentialHash: cred.Hash,
		TaskID:         tc.task.ID,
		ExecutionID:    tc.exec.ID,
	}, externalID)
	if err != nil {
		s.deps.Logger.Error("adopt slot for in-flight call failed", "task_id", tc.task.ID, "error", err)
	}
}

// scheduleReplay queues a replay when deliveries for the task's external id
// arrived before the id was recorded.
func scheduleReplay(ctx context.Context, q *repo.Queries, task *domain.Task, now time.Time) error {
	n, err := q.CountWebhookEventsFor(ctx, task.Provider, task.ExternalID, domain.WebhookOutcomeUnknownTask)
	if err != nil || n == 0 {
		return err
	}
	return q.InsertWorkItem(ctx, &domain.WorkItem{
		ID:          uuid.NewString(),
		Kind:        domain.WorkReplayCallbacks,
		TaskID:      task.ID,
		ExecutionID: task.ExecutionID,
		Payload: map[string]interface{}{
			"source":      task.Provider,
			"external_id": task.ExternalID,
		},
		RunAt: now,
	})
}

func (s *Service) runLocal(ctx context.Context, tc *taskContext, input map[string]interface{}) (Result, error) {
	ref, err := runLocal(tc.node, input, tc.upstream, tc.results)
	if err != nil {
		return s.fail(ctx, tc.task, err.Error())
	}
	now := s.deps.Now()
	task := *tc.task
	task.Status = domain.TaskCompleted
	task.ResultRef = ref
	task.Error = ""
	task.Waiting = ""
	task.StartedAt = &now
	task.CompletedAt = &now
	var applied bool
	err = s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		applied, err = q.UpdateTaskIf(ctx, &task, domain.TaskQueued)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("complete local task: %w", err)
	}
	if !applied {
		return Result{Outcome: OutcomeSkipped, Task: tc.task}, nil
	}
	s.deps.Metrics.TaskTransition(string(domain.TaskCompleted))
	return Result{Outcome: OutcomeCompleted, Task: &task}, nil
}

func (s *Service) fail(ctx context.Context, task *domain.Task, reason string) (Result, error) {
	failed, _, err := s.FailTask(ctx, task.ID, reason)
	if err != nil {
		return Result{}, err
	}
	if failed == nil {
		failed = task
	}
	return Result{Outcome: OutcomeFailed, Task: failed}, nil
}

// FailTask moves a non-terminal task to failed and fails its execution with
// the same reason unless the execution already settled. applied is false
// when the task was already terminal.
func (s *Service) FailTask(ctx context.Context, taskID, reason string) (*domain.Task, bool, error) {
	return s.FailTaskFrom(ctx, taskID, reason, domain.TaskPending, domain.TaskQueued, domain.TaskProcessing)
}

// FailTaskFrom is FailTask restricted to tasks currently in one of from.
func (s *Service) FailTaskFrom(ctx context.Context, taskID, reason string, from ...domain.TaskStatus) (*domain.Task, bool, error) {
	now := s.deps.Now()
	var task *domain.Task
	var applied, execFailed bool
	err := s.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		task, err = q.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return nil
		}
		task.Status = domain.TaskFailed
		task.Error = reason
		task.Waiting = ""
		task.CompletedAt = &now
		applied, err = q.UpdateTaskIf(ctx, task, from...)
		if err != nil || !applied {
			return err
		}
		exec, err := q.GetExecution(ctx, task.ExecutionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return nil
		}
		exec.Status = domain.ExecutionFailed
		exec.Error = reason
		exec.CompletedAt = &now
		execFailed = true
		return q.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("fail task %s: %w", taskID, err)
	}
	if applied {
		s.deps.Metrics.TaskTransition(string(domain.TaskFailed))
		s.deps.Logger.Warn("task failed", "task_id", taskID, "execution_id", task.ExecutionID, "reason", reason)
	}
	if execFailed {
		s.deps.Metrics.ExecutionSettled(string(domain.ExecutionFailed))
	}
	return task, applied, nil
}

func (s *Service) load(ctx context.Context, taskID string) (*taskContext, error) {
	tc := &taskContext{results: map[string]string{}}
	err := s.deps.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		tc.task, err = q.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		tc.exec, err = q.GetExecution(ctx, tc.task.ExecutionID)
		if err != nil {
			return err
		}
		siblings, err := q.ListTasks(ctx, tc.exec.ID)
		if err != nil {
			return err
		}
		for _, t := range siblings {
			if t.Status == domain.TaskCompleted {
				tc.results[t.NodeID] = t.ResultRef
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	plan, err := graph.Compile(tc.exec.Graph)
	if err != nil {
		return nil, fmt.Errorf("recompile execution graph: %w", err)
	}
	node, ok := plan.NodeByID[tc.task.NodeID]
	if !ok {
		return nil, fmt.Errorf("task %s references unknown node %s", tc.task.ID, tc.task.NodeID)
	}
	tc.node = node
	tc.upstream = plan.Upstream(node.ID)
	return tc, nil
}

func (s *Service) callbackURL(spec provider.ProviderSpec) string {
	base := strings.TrimRight(strings.TrimSpace(s.deps.PublicBaseURL), "/")
	if base == "" || spec.Completion == provider.CompletionPoll {
		return ""
	}
	return base + "/webhook?source=" + url.QueryEscape(spec.ID)
}

func providerErrorMessage(err error) string {
	var runnerErr *runner.RunnerError
	if errors.As(err, &runnerErr) && runnerErr.Message != "" {
		return runnerErr.Message
	}
	return err.Error()
}
