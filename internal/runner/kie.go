package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// kie signals success with a numeric code of 200 in every envelope; any
// other code is a failure.
type kieAdapter struct{}

type kieEnvelope struct {
	Code int     `json:"code"`
	Msg  string  `json:"msg"`
	Data kieData `json:"data"`
}

type kieData struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailMsg    string `json:"failMsg"`
	FailCode   string `json:"failCode"`
}

type kieCreateRequest struct {
	Model       string                 `json:"model"`
	CallBackURL string                 `json:"callBackUrl,omitempty"`
	Input       map[string]interface{} `json:"input"`
}

func (a *kieAdapter) ID() string {
	return "kie"
}

func (a *kieAdapter) Submit(ctx context.Context, req SubmitRequest, runner *Runner) (SubmitResult, error) {
	reply, err := runner.doJSON(ctx, http.MethodPost, strings.TrimRight(req.BaseURL, "/")+"/api/v1/jobs/createTask", req.APIKey, kieCreateRequest{
		Model:       req.Model,
		CallBackURL: req.CallbackURL,
		Input:       req.Input,
	}, req.TimeoutMS)
	if err != nil {
		return SubmitResult{}, err
	}
	var env kieEnvelope
	if err := decodeReply(reply, &env); err != nil {
		return SubmitResult{}, err
	}
	if env.Code != http.StatusOK {
		return SubmitResult{}, &RunnerError{
			Code:    ErrorCodeProviderRejected,
			Status:  reply.Status,
			Message: fmt.Sprintf("kie rejected task: code=%d msg=%s", env.Code, env.Msg),
		}
	}
	return SubmitResult{ExternalID: env.Data.TaskID}, nil
}

func (a *kieAdapter) Poll(ctx context.Context, req PollRequest, runner *Runner) (CallbackEvent, error) {
	endpoint := strings.TrimRight(req.BaseURL, "/") + "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(req.ExternalID)
	reply, err := runner.doJSON(ctx, http.MethodGet, endpoint, req.APIKey, nil, 0)
	if err != nil {
		return CallbackEvent{}, err
	}
	var env kieEnvelope
	if err := decodeReply(reply, &env); err != nil {
		return CallbackEvent{}, err
	}
	return a.normalize(env), nil
}

func (a *kieAdapter) ParseCallback(_ url.Values, body []byte) (CallbackEvent, error) {
	var env kieEnvelope
	if err := decodeCallback(body, &env); err != nil {
		return CallbackEvent{}, err
	}
	return a.normalize(env), nil
}

func (a *kieAdapter) normalize(env kieEnvelope) CallbackEvent {
	ev := CallbackEvent{ExternalID: strings.TrimSpace(env.Data.TaskID)}
	if env.Code != http.StatusOK {
		ev.Status = StatusFailed
		ev.Error = firstNonEmpty(env.Data.FailMsg, env.Msg, fmt.Sprintf("kie code %d", env.Code))
		return ev
	}
	switch strings.ToLower(strings.TrimSpace(env.Data.State)) {
	case "success":
		ev.Status = StatusCompleted
		ev.ResultURI = kieResultURL(env.Data.ResultJSON)
	case "fail":
		ev.Status = StatusFailed
		ev.Error = firstNonEmpty(env.Data.FailMsg, env.Msg, "kie task failed")
	default:
		ev.Status = StatusProcessing
	}
	return ev
}

func kieResultURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var result struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return ""
	}
	for _, u := range result.ResultURLs {
		if strings.TrimSpace(u) != "" {
			return strings.TrimSpace(u)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
