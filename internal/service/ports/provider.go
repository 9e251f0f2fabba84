package ports

import (
	"context"
	"net/url"

	"github.com/rickbal456/fdyu-sub003/internal/runner"
)

type ProviderClient interface {
	Submit(ctx context.Context, req runner.SubmitRequest) (runner.SubmitResult, error)
	Poll(ctx context.Context, req runner.PollRequest) (runner.CallbackEvent, error)
	ParseCallback(source string, query url.Values, body []byte) (runner.CallbackEvent, error)
}
