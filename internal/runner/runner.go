package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ErrorCodeProviderNotConfigured = "provider_not_configured"
	ErrorCodeProviderNotSupported  = "provider_not_supported"
	ErrorCodeProviderRequestFailed = "provider_request_failed"
	ErrorCodeProviderRejected      = "provider_rejected"
	ErrorCodeProviderInvalidReply  = "provider_invalid_reply"
	ErrorCodeCallbackInvalid       = "callback_invalid"
)

const maxResponseBytes = 2 * 1024 * 1024

// RunnerError is returned for every failed outbound call. Status carries the
// provider HTTP status when one was received.
type RunnerError struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *RunnerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *RunnerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type CallbackStatus string

const (
	StatusProcessing CallbackStatus = "processing"
	StatusCompleted  CallbackStatus = "completed"
	StatusFailed     CallbackStatus = "failed"
)

func (s CallbackStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CallbackEvent is the provider-neutral completion shape.
type CallbackEvent struct {
	Source     string
	ExternalID string
	Status     CallbackStatus
	ResultURI  string
	Error      string
}

type SubmitRequest struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	CallbackURL string
	Input       map[string]interface{}
	TimeoutMS   int
}

type SubmitResult struct {
	ExternalID string
}

type PollRequest struct {
	Provider   string
	APIKey     string
	BaseURL    string
	ExternalID string
}

type ProviderAdapter interface {
	ID() string
	Submit(ctx context.Context, req SubmitRequest, runner *Runner) (SubmitResult, error)
	Poll(ctx context.Context, req PollRequest, runner *Runner) (CallbackEvent, error)
	ParseCallback(query url.Values, body []byte) (CallbackEvent, error)
}

type Runner struct {
	httpClient *http.Client
	adapters   map[string]ProviderAdapter
}

func New() *Runner {
	return NewWithHTTPClient(&http.Client{Timeout: 30 * time.Second})
}

func NewWithHTTPClient(client *http.Client) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	r := &Runner{
		httpClient: client,
		adapters:   map[string]ProviderAdapter{},
	}
	r.registerAdapter(&kieAdapter{})
	r.registerAdapter(&replicateAdapter{})
	r.registerAdapter(&genericAdapter{})
	return r
}

func (r *Runner) registerAdapter(adapter ProviderAdapter) {
	if adapter == nil {
		return
	}
	id := strings.TrimSpace(adapter.ID())
	if id == "" {
		return
	}
	r.adapters[id] = adapter
}

func (r *Runner) adapter(providerID string) (ProviderAdapter, error) {
	id := strings.ToLower(strings.TrimSpace(providerID))
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, &RunnerError{
			Code:    ErrorCodeProviderNotSupported,
			Message: fmt.Sprintf("provider %q is not supported", providerID),
		}
	}
	return adapter, nil
}

// Submit issues the outbound call. A nil error means the provider accepted
// the task and returned its external id.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	adapter, err := r.adapter(req.Provider)
	if err != nil {
		return SubmitResult{}, err
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return SubmitResult{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "provider api key is required"}
	}
	if strings.TrimSpace(req.BaseURL) == "" {
		return SubmitResult{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "provider base url is required"}
	}
	res, err := adapter.Submit(ctx, req, r)
	if err != nil {
		return SubmitResult{}, err
	}
	if strings.TrimSpace(res.ExternalID) == "" {
		return SubmitResult{}, &RunnerError{Code: ErrorCodeProviderInvalidReply, Message: "provider response has no task id"}
	}
	return res, nil
}

func (r *Runner) Poll(ctx context.Context, req PollRequest) (CallbackEvent, error) {
	adapter, err := r.adapter(req.Provider)
	if err != nil {
		return CallbackEvent{}, err
	}
	ev, err := adapter.Poll(ctx, req, r)
	if err != nil {
		return CallbackEvent{}, err
	}
	ev.Source = adapter.ID()
	if ev.ExternalID == "" {
		ev.ExternalID = req.ExternalID
	}
	return ev, nil
}

// ParseCallback normalizes one inbound webhook delivery for source.
func (r *Runner) ParseCallback(source string, query url.Values, body []byte) (CallbackEvent, error) {
	adapter, err := r.adapter(source)
	if err != nil {
		return CallbackEvent{}, err
	}
	ev, err := adapter.ParseCallback(query, body)
	if err != nil {
		return CallbackEvent{}, err
	}
	ev.Source = adapter.ID()
	if strings.TrimSpace(ev.ExternalID) == "" {
		return CallbackEvent{}, &RunnerError{Code: ErrorCodeCallbackInvalid, Message: "callback has no task id"}
	}
	return ev, nil
}

type httpReply struct {
	Status int
	Body   []byte
}

func (r *Runner) doJSON(ctx context.Context, method, endpoint, apiKey string, payload interface{}, timeoutMS int) (httpReply, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return httpReply{}, &RunnerError{
				Code:    ErrorCodeProviderRequestFailed,
				Message: "failed to encode provider request",
				Err:     err,
			}
		}
		body = bytes.NewReader(raw)
	}

	requestCtx := ctx
	cancel := func() {}
	if timeoutMS > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, endpoint, body)
	if err != nil {
		return httpReply{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to create provider request",
			Err:     err,
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return httpReply{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "provider request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return httpReply{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Status:  resp.StatusCode,
			Message: "failed to read provider response",
			Err:     err,
		}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return httpReply{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, snippet(respBody)),
		}
	}
	return httpReply{Status: resp.StatusCode, Body: respBody}, nil
}

func decodeReply(reply httpReply, out interface{}) error {
	if err := json.Unmarshal(reply.Body, out); err != nil {
		return &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Status:  reply.Status,
			Message: "provider response is not valid json",
			Err:     err,
		}
	}
	return nil
}

func decodeCallback(body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &RunnerError{Code: ErrorCodeCallbackInvalid, Message: "callback body is not valid json", Err: err}
	}
	return nil
}

// firstURL picks the first string out of a provider output that may be a
// string, a list, or an object with a url field.
func firstURL(v interface{}) string {
	switch out := v.(type) {
	case string:
		return strings.TrimSpace(out)
	case []interface{}:
		for _, item := range out {
			if s := firstURL(item); s != "" {
				return s
			}
		}
	case map[string]interface{}:
		for _, key := range []string{"url", "uri", "image", "video"} {
			if s := firstURL(out[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}
