package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickbal456/fdyu-sub003/internal/config"
	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/runner"
	"github.com/rickbal456/fdyu-sub003/internal/service/adapters"
)

type testServer struct {
	srv    *Server
	http   *httptest.Server
	apiKey string
}

type serverOptions struct {
	apiKey    string
	available int64
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	cfg := config.Config{
		DBPath:          filepath.Join(t.TempDir(), "gateway.db"),
		APIKey:          opts.apiKey,
		PublicBaseURL:   "https://gw.example",
		MaxRepeat:       10,
		SlotTTL:         time.Hour,
		QueueItemTTL:    time.Hour,
		WorkerInterval:  time.Second,
		CleanupSchedule: "@every 1m",
	}
	available := opts.available
	srv, err := NewServerWithOptions(cfg, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Provider: adapters.ProviderClient{
			SubmitFunc: func(context.Context, runner.SubmitRequest) (runner.SubmitResult, error) {
				return runner.SubmitResult{ExternalID: "ext-1"}, nil
			},
		},
		Ledger: adapters.LedgerFuncs{
			AvailableFunc: func(context.Context, string) (int64, error) { return available, nil },
		},
		Getenv: func(string) string { return "" },
	})
	require.NoError(t, err)
	srv.streamInterval = 10 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &testServer{srv: srv, http: ts, apiKey: opts.apiKey}
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	apiErr, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "response has no error object: %v", body)
	code, _ := apiErr["code"].(string)
	return code
}

func localGraph() domain.Graph {
	return domain.Graph{
		Nodes: []domain.Node{
			{ID: "in", Type: "text_input", Data: map[string]interface{}{"text": "hello"}},
			{ID: "out", Type: "output"},
		},
		Edges: []domain.Edge{{From: domain.Port{Node: "in"}, To: domain.Port{Node: "out"}}},
	}
}

func imageGraph() domain.Graph {
	return domain.Graph{
		Nodes: []domain.Node{
			{ID: "prompt", Type: "text_input", Data: map[string]interface{}{"text": "a red kite"}},
			{ID: "image", Type: "kie_image"},
		},
		Edges: []domain.Edge{{From: domain.Port{Node: "prompt"}, To: domain.Port{Node: "image", Port: "prompt"}}},
	}
}

func TestHealthzAndVersion(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	code, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.ElementsMatch(t, []interface{}{"generic", "kie", "replicate"}, body["providers"])

	code, body = s.do(t, http.MethodGet, "/version", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, version, body["version"])
}

func TestExecuteThenStatusAfterDrain(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	ctx := context.Background()

	code, body := s.do(t, http.MethodPost, "/workflows/execute", "u1", domain.ExecuteRequest{Graph: graphPtr(localGraph())})
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	id, _ := body["executionId"].(string)
	require.NotEmpty(t, id)
	assert.EqualValues(t, 2, body["nodeCount"])
	assert.EqualValues(t, 0, body["cost"])

	_, err := s.srv.Worker().Drain(ctx)
	require.NoError(t, err)

	code, body = s.do(t, http.MethodGet, "/workflows/status?id="+id, "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(domain.ExecutionCompleted), body["status"])
	tasks, _ := body["tasks"].([]interface{})
	assert.Len(t, tasks, 2)

	// executions are private to their owner
	code, body = s.do(t, http.MethodGet, "/workflows/status?id="+id, "u2", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestExecuteReportsInsufficientCredits(t *testing.T) {
	s := newTestServer(t, serverOptions{available: 5})

	code, body := s.do(t, http.MethodPost, "/workflows/execute", "u1", domain.ExecuteRequest{
		Graph:       graphPtr(imageGraph()),
		RepeatCount: 2,
	})
	require.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "insufficient_credits", errorCode(t, body))
	details := body["error"].(map[string]interface{})["details"].(map[string]interface{})
	assert.EqualValues(t, 8, details["required"])
	assert.EqualValues(t, 5, details["available"])
}

func TestExecuteRejectsInvalidGraphs(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	code, body := s.do(t, http.MethodPost, "/workflows/execute", "", domain.ExecuteRequest{Graph: graphPtr(localGraph())})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "user_required", errorCode(t, body))

	cyclic := localGraph()
	cyclic.Edges = append(cyclic.Edges, domain.Edge{From: domain.Port{Node: "out"}, To: domain.Port{Node: "in"}})
	code, body = s.do(t, http.MethodPost, "/workflows/execute", "u1", domain.ExecuteRequest{Graph: &cyclic})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "graph_cyclic", errorCode(t, body))

	req, err := http.NewRequest(http.MethodPost, s.http.URL+"/workflows/execute", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "u1")
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlEndpoints(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	ctx := context.Background()

	code, body := s.do(t, http.MethodPost, "/workflows/execute", "u1", domain.ExecuteRequest{Graph: graphPtr(localGraph())})
	require.Equal(t, http.StatusOK, code)
	id := body["executionId"].(string)

	code, body = s.do(t, http.MethodPost, "/workflows/cancel", "u1", domain.CancelRequest{ID: id})
	require.Equal(t, http.StatusOK, code, "body: %v", body)

	// a second cancel conflicts
	code, body = s.do(t, http.MethodPost, "/workflows/cancel", "u1", domain.CancelRequest{ID: id})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "execution_not_active", errorCode(t, body))

	_, err := s.srv.Worker().Drain(ctx)
	require.NoError(t, err)

	code, body = s.do(t, http.MethodGet, "/workflows/status?id="+id, "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(domain.ExecutionCancelled), body["status"])
	tasks := body["tasks"].([]interface{})
	taskID := tasks[0].(map[string]interface{})["id"].(string)

	code, body = s.do(t, http.MethodPost, "/workflows/retry-node", "u1", domain.NodeControlRequest{ExecutionID: id, TaskID: taskID})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "execution_cancelled", errorCode(t, body))

	code, body = s.do(t, http.MethodPost, "/workflows/stop-node", "u1", domain.NodeControlRequest{ExecutionID: id})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", errorCode(t, body))

	code, body = s.do(t, http.MethodPost, "/workflows/cancel", "", domain.CancelRequest{ID: id})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "user_required", errorCode(t, body))
}

func TestWorkflowsSaveAndLoad(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	code, body := s.do(t, http.MethodPut, "/workflows/wf-1", "u1", domain.SaveWorkflowRequest{Name: "kites", Graph: localGraph()})
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	assert.Equal(t, "wf-1", body["id"])

	code, body = s.do(t, http.MethodGet, "/workflows/wf-1", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "kites", body["name"])

	code, _ = s.do(t, http.MethodGet, "/workflows/wf-1", "u2", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, http.MethodPut, "/workflows/wf-1", "u2", domain.SaveWorkflowRequest{Name: "mine", Graph: localGraph()})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "workflow_owned", errorCode(t, body))

	code, body = s.do(t, http.MethodPost, "/workflows/execute", "u1", domain.ExecuteRequest{WorkflowID: "wf-1"})
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	assert.NotEmpty(t, body["executionId"])
}

func TestWebhookAlwaysAnswersOK(t *testing.T) {
	s := newTestServer(t, serverOptions{apiKey: "gw-secret"})

	resp, err := http.Post(s.http.URL+"/webhook?source=nowhere", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unknown_source", body["outcome"])

	resp2, err := http.Post(s.http.URL+"/webhook?source=kie", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestAPIKeyGuardsWorkflowRoutes(t *testing.T) {
	s := newTestServer(t, serverOptions{apiKey: "gw-secret"})

	req, err := http.NewRequest(http.MethodGet, s.http.URL+"/workflows/status?id=x", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "u1")
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer gw-secret")
	resp, err = s.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// public routes stay open
	resp, err = http.Get(s.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamSendsSnapshotAndClosesWhenTerminal(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	ctx := context.Background()

	code, body := s.do(t, http.MethodPost, "/workflows/execute", "u1", domain.ExecuteRequest{Graph: graphPtr(localGraph())})
	require.Equal(t, http.StatusOK, code)
	id := body["executionId"].(string)

	wsURL := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/workflows/stream?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"X-User-Id": []string{"u1"}})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first streamFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)
	require.NotNil(t, first.Execution)
	assert.Equal(t, id, first.Execution.ID)

	_, err = s.srv.Worker().Drain(ctx)
	require.NoError(t, err)

	var last streamFrame
	for {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "unexpected read error: %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			assert.Equal(t, string(domain.ExecutionCompleted), closeErr.Text)
			break
		}
		last = frame
	}
	require.NotNil(t, last.Execution)
	assert.Equal(t, domain.ExecutionCompleted, last.Execution.Status)
}

func graphPtr(g domain.Graph) *domain.Graph { return &g }
