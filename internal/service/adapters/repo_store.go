package adapters

import (
	"context"
	"errors"

	"github.com/rickbal456/fdyu-sub003/internal/repo"
)

var errStoreUnavailable = errors.New("execution store is unavailable")

type RepoStore struct {
	Store *repo.Store
}

func NewRepoStore(store *repo.Store) RepoStore {
	return RepoStore{Store: store}
}

func (s RepoStore) Read(ctx context.Context, fn func(q *repo.Queries) error) error {
	if s.Store == nil {
		return errStoreUnavailable
	}
	return s.Store.Read(ctx, fn)
}

func (s RepoStore) Write(ctx context.Context, fn func(q *repo.Queries) error) error {
	if s.Store == nil {
		return errStoreUnavailable
	}
	return s.Store.Write(ctx, fn)
}
