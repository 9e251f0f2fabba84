package ports

import (
	"context"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
)

// ResultStorage copies a provider result somewhere durable and returns the
// new reference.
type ResultStorage interface {
	Persist(ctx context.Context, task domain.Task, sourceURI string) (string, error)
}
