package adapters

import (
	"context"
	"time"

	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
)

// RepoLedger keeps credit lots in the execution store.
type RepoLedger struct {
	Store ports.Store
	Now   func() time.Time
}

func (l RepoLedger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l RepoLedger) Available(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := l.Store.Read(ctx, func(q *repo.Queries) error {
		var err error
		total, err = q.AvailableCredits(ctx, userID, l.now())
		return err
	})
	return total, err
}

func (l RepoLedger) Debit(ctx context.Context, userID string, amount int64, reference string) error {
	return l.Store.Write(ctx, func(q *repo.Queries) error {
		return q.DebitCredits(ctx, userID, amount, reference, l.now())
	})
}

func (l RepoLedger) Grant(ctx context.Context, userID string, amount int64, expiresAt *time.Time) error {
	return l.Store.Write(ctx, func(q *repo.Queries) error {
		return q.GrantCredits(ctx, userID, amount, expiresAt, l.now())
	})
}

// UnlimitedLedger approves every run. Used when credit checks are disabled.
type UnlimitedLedger struct{}

func (UnlimitedLedger) Available(context.Context, string) (int64, error) { return 1<<62 - 1, nil }

func (UnlimitedLedger) Debit(context.Context, string, int64, string) error { return nil }
