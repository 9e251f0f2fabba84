package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/observability"
	"github.com/rickbal456/fdyu-sub003/internal/provider"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/runner"
	"github.com/rickbal456/fdyu-sub003/internal/service/admission"
	"github.com/rickbal456/fdyu-sub003/internal/service/credential"
	"github.com/rickbal456/fdyu-sub003/internal/service/dispatch"
	"github.com/rickbal456/fdyu-sub003/internal/service/executor"
	"github.com/rickbal456/fdyu-sub003/internal/service/ingest"
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
)

const (
	DefaultInterval   = time.Second
	DefaultBatchSize  = 16
	DefaultStaleAfter = 5 * time.Minute
	DefaultPruneAfter = 24 * time.Hour

	// ReasonQueueExpired fails tasks whose admission queue item aged out.
	ReasonQueueExpired = "admission queue item expired"
	// ReasonNoCallback fails in-flight tasks whose slot expired.
	ReasonNoCallback = "provider never called back"

	maxDrainRounds = 1000
)

type Dependencies struct {
	Store       ports.Store
	Catalog     *provider.Catalog
	Provider    ports.ProviderClient
	Credentials *credential.Resolver
	Admission   *admission.Controller
	Executor    *executor.Service
	Dispatcher  *dispatch.Dispatcher
	Ingest      *ingest.Service
	Interval    time.Duration
	BatchSize   int
	StaleAfter  time.Duration
	PruneAfter  time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Worker runs durable work items and periodic admission maintenance.
type Worker struct {
	deps Dependencies
}

type MaintenanceReport struct {
	FreedPairs     int   `json:"freedPairs"`
	AbandonedTasks int   `json:"abandonedTasks"`
	RequeuedItems  int64 `json:"requeuedItems"`
	ExpiredItems   int   `json:"expiredItems"`
	Promoted       int   `json:"promoted"`
	PrunedWork     int64 `json:"prunedWork"`
}

func New(deps Dependencies) *Worker {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = DefaultBatchSize
	}
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = DefaultStaleAfter
	}
	if deps.PruneAfter <= 0 {
		deps.PruneAfter = DefaultPruneAfter
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{deps: deps}
}

// Run drains due work on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.deps.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.deps.Logger.Error("work drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain processes batches until no due item remains and returns how many
// items ran.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for round := 0; round < maxDrainRounds; round++ {
		n, err := w.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
	return total, nil
}

// RunOnce claims one batch of due items and runs them in claim order.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var items []*domain.WorkItem
	err := w.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		items, err = q.ClaimDueWorkItems(ctx, w.deps.Now(), w.deps.BatchSize, w.deps.StaleAfter)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("claim work items: %w", err)
	}
	for _, item := range items {
		if err := w.run(ctx, item); err != nil {
			// the claim goes stale and the item is picked up again
			w.deps.Logger.Error("work item failed",
				"work_id", item.ID,
				"kind", item.Kind,
				"task_id", item.TaskID,
				"attempts", item.Attempts,
				"error", err,
			)
			continue
		}
		if err := w.deps.Store.Write(ctx, func(q *repo.Queries) error {
			return q.CompleteWorkItem(ctx, item.ID)
		}); err != nil {
			return len(items), fmt.Errorf("complete work item %s: %w", item.ID, err)
		}
	}
	return len(items), nil
}

func (w *Worker) run(ctx context.Context, item *domain.WorkItem) error {
	done := w.deps.Metrics.WorkStarted(string(item.Kind))
	defer done()

	switch item.Kind {
	case domain.WorkExecuteNode:
		return w.executeNode(ctx, item)
	case domain.WorkPollStatus:
		return w.pollStatus(ctx, item)
	case domain.WorkReplayCallbacks:
		return w.replayCallbacks(ctx, item)
	default:
		w.deps.Logger.Warn("dropping work item of unknown kind", "work_id", item.ID, "kind", item.Kind)
		return nil
	}
}

func (w *Worker) executeNode(ctx context.Context, item *domain.WorkItem) error {
	res, err := w.deps.Executor.Execute(ctx, item.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.Outcome == executor.OutcomeCompleted {
		_, err = w.deps.Dispatcher.Advance(ctx, item.ExecutionID)
	}
	return err
}

func (w *Worker) pollStatus(ctx context.Context, item *domain.WorkItem) error {
	var task *domain.Task
	err := w.deps.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		task, err = q.GetTask(ctx, item.TaskID)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != domain.TaskProcessing || task.ExternalID == "" {
		return nil
	}

	providerID, _ := item.Payload["provider"].(string)
	hash, _ := item.Payload["credential_hash"].(string)
	if providerID == "" {
		providerID = task.Provider
	}
	spec, err := w.deps.Catalog.Provider(providerID)
	if err != nil {
		return err
	}
	var userID string
	if err := w.deps.Store.Read(ctx, func(q *repo.Queries) error {
		exec, err := q.GetExecution(ctx, task.ExecutionID)
		if err != nil {
			return err
		}
		userID = exec.UserID
		return nil
	}); err != nil {
		return err
	}
	cred, err := w.deps.Credentials.Lookup(ctx, spec.ID, userID, hash)
	if err != nil {
		return err
	}

	ev, err := w.deps.Provider.Poll(ctx, runner.PollRequest{
		Provider:   spec.ID,
		APIKey:     cred.Key,
		BaseURL:    spec.BaseURL,
		ExternalID: task.ExternalID,
	})
	if err != nil {
		w.deps.Logger.Warn("provider poll failed, retrying later", "task_id", task.ID, "provider", spec.ID, "error", err)
		return w.schedulePoll(ctx, item, spec)
	}
	if !ev.Status.Terminal() {
		return w.schedulePoll(ctx, item, spec)
	}
	_, err = w.deps.Ingest.Apply(ctx, ev)
	return err
}

func (w *Worker) replayCallbacks(ctx context.Context, item *domain.WorkItem) error {
	source, _ := item.Payload["source"].(string)
	externalID, _ := item.Payload["external_id"].(string)
	if source == "" || externalID == "" {
		w.deps.Logger.Warn("dropping replay without external id", "work_id", item.ID, "task_id", item.TaskID)
		return nil
	}
	_, err := w.deps.Ingest.Replay(ctx, source, externalID)
	return err
}

func (w *Worker) schedulePoll(ctx context.Context, item *domain.WorkItem, spec provider.ProviderSpec) error {
	return w.deps.Store.Write(ctx, func(q *repo.Queries) error {
		return q.InsertWorkItem(ctx, &domain.WorkItem{
			ID:          uuid.NewString(),
			Kind:        domain.WorkPollStatus,
			TaskID:      item.TaskID,
			ExecutionID: item.ExecutionID,
			Payload:     item.Payload,
			RunAt:       w.deps.Now().Add(spec.PollInterval),
		})
	})
}

// Maintain purges expired slots and fails the in-flight tasks that held
// them, requeues unsettled promotions, fails tasks whose queue item expired,
// drains every queue with capacity and prunes finished work.
func (w *Worker) Maintain(ctx context.Context) (MaintenanceReport, error) {
	cleanup, err := w.deps.Admission.Cleanup(ctx)
	if err != nil {
		return MaintenanceReport{}, err
	}
	report := MaintenanceReport{
		FreedPairs:    len(cleanup.Freed),
		RequeuedItems: cleanup.Requeued,
		ExpiredItems:  len(cleanup.Expired),
	}

	for _, taskID := range cleanup.Abandoned {
		_, applied, err := w.deps.Executor.FailTaskFrom(ctx, taskID, ReasonNoCallback, domain.TaskProcessing)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			w.deps.Logger.Error("fail abandoned task failed", "task_id", taskID, "error", err)
			continue
		}
		if applied {
			report.AbandonedTasks++
		}
	}
	for _, item := range cleanup.Expired {
		if _, _, err := w.deps.Executor.FailTask(ctx, item.TaskID, ReasonQueueExpired); err != nil && !errors.Is(err, repo.ErrNotFound) {
			w.deps.Logger.Error("fail expired queue task failed", "task_id", item.TaskID, "error", err)
		}
	}

	pairs, err := w.deps.Admission.PendingPairs(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending queues: %w", err)
	}
	for _, pair := range pairs {
		report.Promoted += w.deps.Executor.Drain(ctx, pair.Provider, pair.CredentialHash)
	}

	err = w.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		report.PrunedWork, err = q.PruneDoneWorkItems(ctx, w.deps.Now().Add(-w.deps.PruneAfter))
		return err
	})
	if err != nil {
		return report, fmt.Errorf("prune work items: %w", err)
	}
	if report.FreedPairs > 0 || report.RequeuedItems > 0 || report.ExpiredItems > 0 || report.PrunedWork > 0 {
		w.deps.Logger.Info("maintenance pass",
			"freed_pairs", report.FreedPairs,
			"abandoned_tasks", report.AbandonedTasks,
			"requeued_items", report.RequeuedItems,
			"expired_items", report.ExpiredItems,
			"promoted", report.Promoted,
			"pruned_work", report.PrunedWork,
		)
	}
	return report, nil
}
