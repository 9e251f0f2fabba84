package adapters

import (
	"context"
	"errors"
)

type LedgerFuncs struct {
	AvailableFunc func(ctx context.Context, userID string) (int64, error)
	DebitFunc     func(ctx context.Context, userID string, amount int64, reference string) error
}

func (l LedgerFuncs) Available(ctx context.Context, userID string) (int64, error) {
	if l.AvailableFunc == nil {
		return 0, errors.New("credit ledger is unavailable")
	}
	return l.AvailableFunc(ctx, userID)
}

func (l LedgerFuncs) Debit(ctx context.Context, userID string, amount int64, reference string) error {
	if l.DebitFunc == nil {
		return nil
	}
	return l.DebitFunc(ctx, userID, amount, reference)
}
