package ports

import (
	"context"

	"github.com/rickbal456/fdyu-sub003/internal/repo"
)

// Store runs fn against the durable store. Write wraps fn in one
// transaction; fn must not call back into the Store.
type Store interface {
	Read(ctx context.Context, fn func(q *repo.Queries) error) error
	Write(ctx context.Context, fn func(q *repo.Queries) error) error
}
