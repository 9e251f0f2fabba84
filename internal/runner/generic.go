package runner

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// generic is a self-hosted task API that reports an explicit success boolean.
type genericAdapter struct{}

type genericTask struct {
	Success   *bool  `json:"success"`
	Done      *bool  `json:"done"`
	TaskID    string `json:"task_id"`
	ResultURL string `json:"result_url"`
	Error     string `json:"error"`
}

type genericCreateRequest struct {
	Model       string                 `json:"model,omitempty"`
	Input       map[string]interface{} `json:"input"`
	CallbackURL string                 `json:"callback_url,omitempty"`
}

func (a *genericAdapter) ID() string {
	return "generic"
}

func (a *genericAdapter) Submit(ctx context.Context, req SubmitRequest, runner *Runner) (SubmitResult, error) {
	reply, err := runner.doJSON(ctx, http.MethodPost, strings.TrimRight(req.BaseURL, "/")+"/tasks", req.APIKey, genericCreateRequest{
		Model:       req.Model,
		Input:       req.Input,
		CallbackURL: req.CallbackURL,
	}, req.TimeoutMS)
	if err != nil {
		return SubmitResult{}, err
	}
	var task genericTask
	if err := decodeReply(reply, &task); err != nil {
		return SubmitResult{}, err
	}
	if task.Success == nil || !*task.Success {
		return SubmitResult{}, &RunnerError{
			Code:    ErrorCodeProviderRejected,
			Status:  reply.Status,
			Message: firstNonEmpty(task.Error, "generic provider rejected task"),
		}
	}
	return SubmitResult{ExternalID: task.TaskID}, nil
}

func (a *genericAdapter) Poll(ctx context.Context, req PollRequest, runner *Runner) (CallbackEvent, error) {
	endpoint := strings.TrimRight(req.BaseURL, "/") + "/tasks/" + url.PathEscape(req.ExternalID)
	reply, err := runner.doJSON(ctx, http.MethodGet, endpoint, req.APIKey, nil, 0)
	if err != nil {
		return CallbackEvent{}, err
	}
	var task genericTask
	if err := decodeReply(reply, &task); err != nil {
		return CallbackEvent{}, err
	}
	return a.normalize(task), nil
}

func (a *genericAdapter) ParseCallback(query url.Values, body []byte) (CallbackEvent, error) {
	var task genericTask
	if err := decodeCallback(body, &task); err != nil {
		return CallbackEvent{}, err
	}
	if id := strings.TrimSpace(query.Get("task_id")); id != "" {
		task.TaskID = id
	}
	if task.Success == nil {
		return CallbackEvent{}, &RunnerError{Code: ErrorCodeCallbackInvalid, Message: "generic callback requires success flag"}
	}
	return a.normalize(task), nil
}

func (a *genericAdapter) normalize(task genericTask) CallbackEvent {
	ev := CallbackEvent{ExternalID: strings.TrimSpace(task.TaskID)}
	switch {
	case task.Success != nil && !*task.Success:
		ev.Status = StatusFailed
		ev.Error = firstNonEmpty(task.Error, "generic task failed")
	case task.Done != nil && !*task.Done:
		ev.Status = StatusProcessing
	default:
		ev.Status = StatusCompleted
		ev.ResultURI = strings.TrimSpace(task.ResultURL)
	}
	return ev
}
