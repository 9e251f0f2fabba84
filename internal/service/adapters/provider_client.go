package adapters

import (
	"context"
	"errors"
	"net/url"

	"github.com/rickbal456/fdyu-sub003/internal/runner"
)

// ProviderClient forwards to Runner unless a func override is set.
type ProviderClient struct {
	Runner            *runner.Runner
	SubmitFunc        func(context.Context, runner.SubmitRequest) (runner.SubmitResult, error)
	PollFunc          func(context.Context, runner.PollRequest) (runner.CallbackEvent, error)
	ParseCallbackFunc func(source string, query url.Values, body []byte) (runner.CallbackEvent, error)
}

var errRunnerUnavailable = errors.New("provider runner is unavailable")

func (p ProviderClient) Submit(ctx context.Context, req runner.SubmitRequest) (runner.SubmitResult, error) {
	if p.SubmitFunc != nil {
		return p.SubmitFunc(ctx, req)
	}
	if p.Runner == nil {
		return runner.SubmitResult{}, errRunnerUnavailable
	}
	return p.Runner.Submit(ctx, req)
}

func (p ProviderClient) Poll(ctx context.Context, req runner.PollRequest) (runner.CallbackEvent, error) {
	if p.PollFunc != nil {
		return p.PollFunc(ctx, req)
	}
	if p.Runner == nil {
		return runner.CallbackEvent{}, errRunnerUnavailable
	}
	return p.Runner.Poll(ctx, req)
}

func (p ProviderClient) ParseCallback(source string, query url.Values, body []byte) (runner.CallbackEvent, error) {
	if p.ParseCallbackFunc != nil {
		return p.ParseCallbackFunc(source, query, body)
	}
	if p.Runner == nil {
		return runner.CallbackEvent{}, errRunnerUnavailable
	}
	return p.Runner.ParseCallback(source, query, body)
}
