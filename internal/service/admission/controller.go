package admission

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
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
)

const (
	DefaultSlotTTL          = time.Hour
	DefaultQueueItemTTL     = 24 * time.Hour
	DefaultPromotionTimeout = 10 * time.Minute

	tempTokenPrefix = "pending:"
)

var ErrSlotNotFound = errors.New("admission slot not found")

type Dependencies struct {
	Store        ports.Store
	Catalog      *provider.Catalog
	SlotTTL      time.Duration
	QueueItemTTL time.Duration
	// PromotionTimeout is how long a promoted item may stay unsettled
	// before Cleanup hands it back to the queue.
	PromotionTimeout time.Duration
	Now              func() time.Time
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

// Controller enforces the per (provider, credential hash) ceiling. Every
// acquire and release is a single store transaction.
type Controller struct {
	deps Dependencies
}

type SlotRequest struct {
	Provider       string
	CredentialHash string
	TaskID         string
	ExecutionID    string
}

// Grant is the outcome of Acquire. A denied grant is not an error.
type Grant struct {
	Admitted bool
	Token    string
}

type CleanupReport struct {
	Freed   []domain.ProviderPair
	Expired []*domain.QueueItem
	// Abandoned lists the tasks whose slot expired without a completion.
	Abandoned []string
	Requeued  int64
}

func NewController(deps Dependencies) *Controller {
	if deps.SlotTTL <= 0 {
		deps.SlotTTL = DefaultSlotTTL
	}
	if deps.QueueItemTTL <= 0 {
		deps.QueueItemTTL = DefaultQueueItemTTL
	}
	if deps.PromotionTimeout <= 0 {
		deps.PromotionTimeout = DefaultPromotionTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Controller{deps: deps}
}

func (c *Controller) ceiling(providerID string) int {
	if c.deps.Catalog == nil {
		return 0
	}
	return c.deps.Catalog.MaxConcurrent(providerID)
}

// CanProceed reports whether one more call fits under the ceiling right now.
func (c *Controller) CanProceed(ctx context.Context, providerID, credentialHash string) (bool, error) {
	ceiling := c.ceiling(providerID)
	if ceiling == 0 {
		return true, nil
	}
	var live int
	err := c.deps.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		live, err = q.CountLiveSlots(ctx, providerID, credentialHash, c.deps.Now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("count live slots: %w", err)
	}
	return live < ceiling, nil
}

// Acquire checks capacity and inserts a slot under a temporary token in one
// statement.
func (c *Controller) Acquire(ctx context.Context, req SlotRequest) (Grant, error) {
	now := c.deps.Now()
	slot := &domain.AdmissionSlot{
		ID:             uuid.NewString(),
		Provider:       req.Provider,
		CredentialHash: req.CredentialHash,
		TaskKey:        tempTokenPrefix + uuid.NewString(),
		TaskID:         req.TaskID,
		ExecutionID:    req.ExecutionID,
		AcquiredAt:     now,
		ExpiresAt:      now.Add(c.deps.SlotTTL),
	}
	var admitted bool
	err := c.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		admitted, err = q.InsertSlotIfCapacity(ctx, slot, c.ceiling(req.Provider))
		return err
	})
	if err != nil {
		return Grant{}, fmt.Errorf("acquire slot: %w", err)
	}
	if !admitted {
		c.deps.Metrics.Admission(req.Provider, "denied")
		c.deps.Logger.Info("admission denied",
			"provider", req.Provider,
			"credential", observability.ShortHash(req.CredentialHash),
			"task_id", req.TaskID,
		)
		return Grant{}, nil
	}
	c.deps.Metrics.Admission(req.Provider, "admitted")
	return Grant{Admitted: true, Token: slot.TaskKey}, nil
}

// Exchange rekeys a slot from its temporary token to the provider's
// external task id.
func (c *Controller) Exchange(ctx context.Context, token, externalID string) error {
	var ok bool
	err := c.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		ok, err = q.ExchangeSlotKey(ctx, token, externalID)
		return err
	})
	if err != nil {
		return fmt.Errorf("exchange slot token: %w", err)
	}
	if !ok {
		return ErrSlotNotFound
	}
	return nil
}

// Adopt records a slot for a call that is already in flight under its
// external id. It skips the ceiling check: the request was admitted once and
// only lost its slot record.
func (c *Controller) Adopt(ctx context.Context, req SlotRequest, externalID string) error {
	now := c.deps.Now()
	slot := &domain.AdmissionSlot{
		ID:             uuid.NewString(),
		Provider:       req.Provider,
		CredentialHash: req.CredentialHash,
		TaskKey:        externalID,
		TaskID:         req.TaskID,
		ExecutionID:    req.ExecutionID,
		AcquiredAt:     now,
		ExpiresAt:      now.Add(c.deps.SlotTTL),
	}
	err := c.deps.Store.Write(ctx, func(q *repo.Queries) error {
		return q.AdoptSlot(ctx, slot)
	})
	if err != nil {
		return fmt.Errorf("adopt slot: %w", err)
	}
	return nil
}

// Release deletes the slot keyed by taskKey and returns its credential hash.
// A slot that is already gone yields ErrSlotNotFound.
func (c *Controller) Release(ctx context.Context, providerID, taskKey string) (string, error) {
	var hash string
	err := c.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		hash, err = q.DeleteSlot(ctx, providerID, taskKey)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrSlotNotFound
	}
	if err != nil {
		return "", fmt.Errorf("release slot: %w", err)
	}
	return hash, nil
}

func (c *Controller) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	now := c.deps.Now()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = domain.QueueItemPending
	item.CreatedAt = now
	item.UpdatedAt = now
	err := c.deps.Store.Write(ctx, func(q *repo.Queries) error {
		return q.InsertQueueItem(ctx, item)
	})
	if err != nil {
		return fmt.Errorf("enqueue admission item: %w", err)
	}
	c.deps.Metrics.Admission(item.Provider, "queued")
	return nil
}

// ProcessQueue promotes the highest-priority, oldest pending item of a pair
// when capacity is available. It returns nil when nothing was promoted.
func (c *Controller) ProcessQueue(ctx context.Context, providerID, credentialHash string) (*domain.QueueItem, error) {
	ceiling := c.ceiling(providerID)
	now := c.deps.Now()
	var promoted *domain.QueueItem
	err := c.deps.Store.Write(ctx, func(q *repo.Queries) error {
		if ceiling > 0 {
			live, err := q.CountLiveSlots(ctx, providerID, credentialHash, now)
			if err != nil {
				return err
			}
			if live >= ceiling {
				return nil
			}
		}
		item, err := q.NextQueueItem(ctx, providerID, credentialHash)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok, err := q.SetQueueItemStatus(ctx, item.ID, domain.QueueItemPending, domain.QueueItemProcessing, now)
		if err != nil || !ok {
			return err
		}
		item.Status = domain.QueueItemProcessing
		item.UpdatedAt = now
		promoted = item
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("process admission queue: %w", err)
	}
	if promoted != nil {
		c.deps.Metrics.Admission(providerID, "promoted")
		c.deps.Logger.Info("admission queue item promoted",
			"provider", providerID,
			"credential", observability.ShortHash(credentialHash),
			"task_id", promoted.TaskID,
		)
	}
	return promoted, nil
}

// Settle records the end state of a promoted item.
func (c *Controller) Settle(ctx context.Context, itemID string, to domain.QueueItemStatus) error {
	return c.deps.Store.Write(ctx, func(q *repo.Queries) error {
		_, err := q.SetQueueItemStatus(ctx, itemID, domain.QueueItemProcessing, to, c.deps.Now())
		return err
	})
}

// Requeue hands a promoted item back to the queue after it lost its slot to
// a concurrent caller or its run failed before reaching the provider.
func (c *Controller) Requeue(ctx context.Context, itemID string) error {
	return c.Settle(ctx, itemID, domain.QueueItemPending)
}

// Cleanup purges expired slots, expires stale pending queue items and
// requeues promoted items that were never settled. The report lists the
// pairs that regained capacity.
func (c *Controller) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := c.deps.Now()
	var report CleanupReport
	err := c.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		report.Freed, report.Abandoned, err = q.PurgeExpiredSlots(ctx, now)
		if err != nil {
			return err
		}
		report.Requeued, err = q.RequeueStaleQueueItems(ctx, now.Add(-c.deps.PromotionTimeout), now)
		if err != nil {
			return err
		}
		report.Expired, err = q.ExpirePendingQueueItems(ctx, now.Add(-c.deps.QueueItemTTL), now)
		return err
	})
	if err != nil {
		return CleanupReport{}, fmt.Errorf("admission cleanup: %w", err)
	}
	if len(report.Freed) > 0 || len(report.Expired) > 0 || report.Requeued > 0 {
		c.deps.Logger.Info("admission cleanup",
			"freed_pairs", len(report.Freed),
			"abandoned_slots", len(report.Abandoned),
			"requeued_items", report.Requeued,
			"expired_items", len(report.Expired),
		)
	}
	return report, nil
}

// PendingPairs lists the pairs that still have items waiting.
func (c *Controller) PendingPairs(ctx context.Context) ([]domain.ProviderPair, error) {
	var pairs []domain.ProviderPair
	err := c.deps.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		pairs, err = q.ListPendingQueuePairs(ctx)
		return err
	})
	return pairs, err
}

// RemoveQueued drops not-yet-issued queue items of the given tasks.
func (c *Controller) RemoveQueued(ctx context.Context, taskIDs []string) (int64, error) {
	var n int64
	err := c.deps.Store.Write(ctx, func(q *repo.Queries) error {
		var err error
		n, err = q.DeleteQueueItemsForTasks(ctx, taskIDs)
		return err
	})
	return n, err
}

// SlotForTask returns the live slot held by a task, if any.
func (c *Controller) SlotForTask(ctx context.Context, taskID string) (*domain.AdmissionSlot, error) {
	var slot *domain.AdmissionSlot
	err := c.deps.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		slot, err = q.GetSlotByTask(ctx, taskID)
		return err
	})
	return slot, err
}

func (c *Controller) QueueDepth(ctx context.Context, providerID, credentialHash string) (int, error) {
	var n int
	err := c.deps.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		n, err = q.CountQueueItems(ctx, providerID, credentialHash, domain.QueueItemPending)
		return err
	})
	return n, err
}
