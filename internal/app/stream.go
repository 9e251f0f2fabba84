package app

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
)

const streamWriteTimeout = 5 * time.Second

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamFrame struct {
	Type      string                      `json:"type"`
	Execution *domain.ExecutionStatusView `json:"execution,omitempty"`
	Error     *domain.APIError            `json:"error,omitempty"`
}

// streamWorkflow pushes a status snapshot whenever the execution changes
// and closes once it is terminal.
func (s *Server) streamWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeErr(w, http.StatusBadRequest, "invalid_request", "id is required", nil)
		return
	}
	if _, err := s.orchestrator.Status(r.Context(), userID, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// reads only to notice the client going away
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	var last *domain.ExecutionStatusView
	for {
		view, err := s.orchestrator.Status(ctx, userID, id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			mapped := mapServiceError(err)
			_ = s.writeFrame(conn, streamFrame{Type: "error", Error: &domain.APIError{Code: mapped.code, Message: mapped.message}})
			return
		}
		if last == nil || !reflect.DeepEqual(last, view) {
			if err := s.writeFrame(conn, streamFrame{Type: "status", Execution: view}); err != nil {
				return
			}
			last = view
		}
		if view.Status.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(view.Status)),
				time.Now().Add(streamWriteTimeout))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame streamFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
