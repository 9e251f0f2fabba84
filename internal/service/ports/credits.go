package ports

import "context"

// CreditLedger is the bookkeeping collaborator behind the preflight check.
type CreditLedger interface {
	Available(ctx context.Context, userID string) (int64, error)
	Debit(ctx context.Context, userID string, amount int64, reference string) error
}

// KeyVault returns a user's stored key for a provider, or "" when none.
type KeyVault interface {
	LookupKey(ctx context.Context, userID, providerID string) (string, error)
}
