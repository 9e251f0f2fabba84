package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// replicate reports progress through a named status on the prediction.
type replicateAdapter struct{}

type replicatePrediction struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Output interface{} `json:"output"`
	Error  interface{} `json:"error"`
}

type replicateCreateRequest struct {
	Input               map[string]interface{} `json:"input"`
	Webhook             string                 `json:"webhook,omitempty"`
	WebhookEventsFilter []string               `json:"webhook_events_filter,omitempty"`
}

func (a *replicateAdapter) ID() string {
	return "replicate"
}

func (a *replicateAdapter) Submit(ctx context.Context, req SubmitRequest, runner *Runner) (SubmitResult, error) {
	model := strings.Trim(strings.TrimSpace(req.Model), "/")
	if model == "" {
		return SubmitResult{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "replicate model is required"}
	}
	payload := replicateCreateRequest{Input: req.Input}
	if req.CallbackURL != "" {
		payload.Webhook = req.CallbackURL
		payload.WebhookEventsFilter = []string{"completed"}
	}
	endpoint := strings.TrimRight(req.BaseURL, "/") + "/models/" + model + "/predictions"
	reply, err := runner.doJSON(ctx, http.MethodPost, endpoint, req.APIKey, payload, req.TimeoutMS)
	if err != nil {
		return SubmitResult{}, err
	}
	var pred replicatePrediction
	if err := decodeReply(reply, &pred); err != nil {
		return SubmitResult{}, err
	}
	if ev := a.normalize(pred); ev.Status == StatusFailed {
		return SubmitResult{}, &RunnerError{
			Code:    ErrorCodeProviderRejected,
			Status:  reply.Status,
			Message: fmt.Sprintf("replicate rejected prediction: %s", ev.Error),
		}
	}
	return SubmitResult{ExternalID: pred.ID}, nil
}

func (a *replicateAdapter) Poll(ctx context.Context, req PollRequest, runner *Runner) (CallbackEvent, error) {
	endpoint := strings.TrimRight(req.BaseURL, "/") + "/predictions/" + url.PathEscape(req.ExternalID)
	reply, err := runner.doJSON(ctx, http.MethodGet, endpoint, req.APIKey, nil, 0)
	if err != nil {
		return CallbackEvent{}, err
	}
	var pred replicatePrediction
	if err := decodeReply(reply, &pred); err != nil {
		return CallbackEvent{}, err
	}
	return a.normalize(pred), nil
}

func (a *replicateAdapter) ParseCallback(_ url.Values, body []byte) (CallbackEvent, error) {
	var pred replicatePrediction
	if err := decodeCallback(body, &pred); err != nil {
		return CallbackEvent{}, err
	}
	return a.normalize(pred), nil
}

func (a *replicateAdapter) normalize(pred replicatePrediction) CallbackEvent {
	ev := CallbackEvent{ExternalID: strings.TrimSpace(pred.ID)}
	switch strings.ToLower(strings.TrimSpace(pred.Status)) {
	case "succeeded":
		ev.Status = StatusCompleted
		ev.ResultURI = firstURL(pred.Output)
	case "failed":
		ev.Status = StatusFailed
		ev.Error = firstNonEmpty(errorText(pred.Error), "replicate prediction failed")
	case "canceled":
		ev.Status = StatusFailed
		ev.Error = firstNonEmpty(errorText(pred.Error), "replicate prediction canceled")
	default:
		ev.Status = StatusProcessing
	}
	return ev
}

func errorText(v interface{}) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case map[string]interface{}:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
		if detail, ok := e["detail"].(string); ok {
			return detail
		}
	}
	return fmt.Sprint(v)
}
