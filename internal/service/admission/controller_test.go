package admission

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/provider"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newController(t *testing.T, ceiling int) (*Controller, *repo.Store, *clock) {
	t.Helper()
	store, err := repo.NewStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	catalog, err := provider.NewCatalog(map[string]provider.ProviderSetting{
		"kie": {MaxConcurrent: &ceiling},
	}, nil, nil)
	require.NoError(t, err)

	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	c := NewController(Dependencies{
		Store:        store,
		Catalog:      catalog,
		SlotTTL:      time.Hour,
		QueueItemTTL: 2 * time.Hour,
		Now:          clk.Now,
	})
	return c, store, clk
}

func TestAcquireNeverExceedsCeiling(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newController(t, 2)

	var tokens []string
	for i := 0; i < 5; i++ {
		grant, err := c.Acquire(ctx, SlotRequest{Provider: "kie", CredentialHash: "h1", TaskID: "t"})
		require.NoError(t, err)
		if grant.Admitted {
			tokens = append(tokens, grant.Token)
		}
	}
	require.Len(t, tokens, 2)

	ok, err := c.CanProceed(ctx, "kie", "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different credential has its own scope.
	other, err := c.Acquire(ctx, SlotRequest{Provider: "kie", CredentialHash: "h2", TaskID: "t"})
	require.NoError(t, err)
	assert.True(t, other.Admitted)

	hash, err := c.Release(ctx, "kie", tokens[0])
	require.NoError(t, err)
	assert.Equal(t, "h1", hash)

	grant, err := c.Acquire(ctx, SlotRequest{Provider: "kie", CredentialHash: "h1", TaskID: "t"})
	require.NoError(t, err)
	assert.True(t, grant.Admitted)
}

func TestInterleavedAcquireReleaseKeepsInvariant(t *testing.T) {
	ctx := context.Background()
	c, store, clk := newController(t, 3)

	var held []string
	for step := 0; step < 40; step++ {
		if step%3 == 2 && len(held) > 0 {
			_, err := c.Release(ctx, "kie", held[0])
			require.NoError(t, err)
			held = held[1:]
		} else {
			grant, err := c.Acquire(ctx, SlotRequest{Provider: "kie", CredentialHash: "h", TaskID: "t"})
			require.NoError(t, err)
			if grant.Admitted {
				held = append(held, grant.Token)
			}
		}
		var live int
		require.NoError(t, store.Read(ctx, func(q *repo.Queries) error {
			var err error
			live, err = q.CountLiveSlots(ctx, "kie", "h", clk.now)
			return err
		}))
		require.LessOrEqual(t, live, 3, "step %d", step)
		require.Equal(t, len(held), live)
	}
}

func TestZeroCeilingNeverDenies(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newController(t, 0)
	for i := 0; i < 20; i++ {
		grant, err := c.Acquire(ctx, SlotRequest{Provider: "kie", CredentialHash: "h", TaskID: "t"})
		require.NoError(t, err)
		require.True(t, grant.Admitted)
	}
	ok, err := c.CanProceed(ctx, "kie", "h")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExchangeAndDoubleRelease(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newController(t, 1)

	grant, err := c.Acquire(ctx, SlotRequest{Provider: "kie", CredentialHash: "h", TaskID: "task-1", ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.True(t, grant.Admitted)
	require.NoError(t, c.Exchange(ctx, grant.Token, "ext-1"))
	assert.True(t, errors.Is(c.Exchange(ctx, grant.Token, "ext-2"), ErrSlotNotFound))

	slot, err := c.SlotForTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", slot.TaskKey)

	_, err = c.Release(ctx, "kie", grant.Token)
	assert.True(t, errors.Is(err, ErrSlotNotFound))

	hash, err := c.Release(ctx, "kie", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "h", hash)

	_, err = c.Release(ctx, "kie", "ext-1")
	assert.True(t, errors.Is(err, ErrSlotNotFound))
}

func TestProcessQueuePriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newController(t, 1)

	grant, err := c.Acquire(ctx, SlotRequest{Provider: "kie", CredentialHash: "h", TaskID: "busy"})
	require.NoError(t, err)
	require.True(t, grant.Admitted)

	for _, it := range []struct {
		task     string
		priority int
	}{{"low-old", 0}, {"high", 5}, {"low-new", 0}} {
		require.NoError(t, c.Enqueue(ctx, &domain.QueueItem{Provider: "kie", CredentialHash: "h", TaskID: it.task, Priority: it.priority}))
		clk.now = clk.now.Add(time.Second)
	}
	depth, err := c.QueueDepth(ctx, "kie", "h")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	item, err := c.ProcessQueue(ctx, "kie", "h")
	require.NoError(t, err)
	assert.Nil(t, item, "no capacity while the slot is held")

	_, err = c.Release(ctx, "kie", grant.Token)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		item, err := c.ProcessQueue(ctx, "kie", "h")
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, domain.QueueItemProcessing, item.Status)
		order = append(order, item.TaskID)
		require.NoError(t, c.Settle(ctx, item.ID, domain.QueueItemCompleted))
	}
	assert.Equal(t, []string{"high", "low-old", "low-new"}, order)

	item, err = c.ProcessQueue(ctx, "kie", "h")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestRequeueReturnsItemToPending(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newController(t, 1)

	require.NoError(t, c.Enqueue(ctx, &domain.QueueItem{Provider: "kie", CredentialHash: "h", TaskID: "t1"}))
	item, err := c.ProcessQueue(ctx, "kie", "h")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, c.Requeue(ctx, item.ID))

	again, err := c.ProcessQueue(ctx, "kie", "h")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, item.ID, again.ID)
}

func TestCleanupPurgesExpiredSlotsAndStaleItems(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newController(t, 1)

	grant, err := c.Acquire(ctx, SlotRequest{Provider: "kie", CredentialHash: "h", TaskID: "stuck"})
	require.NoError(t, err)
	require.True(t, grant.Admitted)
	require.NoError(t, c.Enqueue(ctx, &domain.QueueItem{Provider: "kie", CredentialHash: "h", TaskID: "waiting"}))

	clk.now = clk.now.Add(90 * time.Minute)
	ok, err := c.CanProceed(ctx, "kie", "h")
	require.NoError(t, err)
	assert.True(t, ok, "an expired slot no longer counts")

	report, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ProviderPair{{Provider: "kie", CredentialHash: "h"}}, report.Freed)
	assert.Equal(t, []string{"stuck"}, report.Abandoned)
	assert.Empty(t, report.Expired)

	clk.now = clk.now.Add(time.Hour)
	report, err = c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Freed)
	require.Len(t, report.Expired, 1)
	assert.Equal(t, "waiting", report.Expired[0].TaskID)
}

func TestRemoveQueued(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newController(t, 1)
	require.NoError(t, c.Enqueue(ctx, &domain.QueueItem{Provider: "kie", CredentialHash: "h", TaskID: "a"}))
	require.NoError(t, c.Enqueue(ctx, &domain.QueueItem{Provider: "kie", CredentialHash: "h", TaskID: "b"}))

	n, err := c.RemoveQueued(ctx, []string{"a"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	depth, err := c.QueueDepth(ctx, "kie", "h")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestCleanupRequeuesUnsettledPromotions(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newController(t, 1)
	require.NoError(t, c.Enqueue(ctx, &domain.QueueItem{Provider: "kie", CredentialHash: "h", TaskID: "a"}))

	item, err := c.ProcessQueue(ctx, "kie", "h")
	require.NoError(t, err)
	require.NotNil(t, item)

	pairs, err := c.PendingPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pairs)

	// still inside the promotion window
	clk.now = clk.now.Add(time.Minute)
	report, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Requeued)

	clk.now = clk.now.Add(DefaultPromotionTimeout)
	report, err = c.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Requeued)
	assert.Empty(t, report.Expired)

	pairs, err = c.PendingPairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ProviderPair{{Provider: "kie", CredentialHash: "h"}}, pairs)

	again, err := c.ProcessQueue(ctx, "kie", "h")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, item.ID, again.ID)
}

func TestAdoptKeysSlotByExternalID(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newController(t, 1)

	held, err := c.Acquire(ctx, SlotRequest{Provider: "kie", CredentialHash: "h", TaskID: "other"})
	require.NoError(t, err)
	require.True(t, held.Admitted)

	// adopting an in-flight call is not subject to the ceiling
	require.NoError(t, c.Adopt(ctx, SlotRequest{Provider: "kie", CredentialHash: "h", TaskID: "t"}, "ext-9"))
	slot, err := c.SlotForTask(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "ext-9", slot.TaskKey)

	hash, err := c.Release(ctx, "kie", "ext-9")
	require.NoError(t, err)
	assert.Equal(t, "h", hash)
}
