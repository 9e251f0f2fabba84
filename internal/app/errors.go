package app

import (
	"errors"
	"net/http"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/observability"
	"github.com/rickbal456/fdyu-sub003/internal/runner"
	"github.com/rickbal456/fdyu-sub003/internal/service/graph"
)

type serviceError struct {
	status  int
	code    string
	message string
	details interface{}
}

func mapServiceError(err error) serviceError {
	var validation *domain.ValidationError
	var cyclic *graph.CyclicGraphError
	var credits *domain.InsufficientCreditsError
	var conflict *domain.ConflictError
	var runnerErr *runner.RunnerError
	switch {
	case errors.As(err, &cyclic):
		return serviceError{http.StatusBadRequest, "graph_cyclic", cyclic.Error(), map[string]interface{}{"nodes": cyclic.Nodes}}
	case errors.As(err, &validation):
		return serviceError{http.StatusBadRequest, validation.Code, validation.Message, nil}
	case errors.As(err, &credits):
		return serviceError{http.StatusPaymentRequired, "insufficient_credits", credits.Error(), map[string]int64{
			"required":  credits.Required,
			"available": credits.Available,
		}}
	case errors.As(err, &conflict):
		return serviceError{http.StatusConflict, conflict.Code, conflict.Message, nil}
	case errors.Is(err, domain.ErrNotFound):
		return serviceError{http.StatusNotFound, "not_found", "resource not found", nil}
	case errors.As(err, &runnerErr):
		return serviceError{http.StatusBadGateway, runnerErr.Code, runnerErr.Message, nil}
	default:
		return serviceError{http.StatusInternalServerError, "internal_error", "internal server error", nil}
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	mapped := mapServiceError(err)
	if mapped.status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", observability.RequestIDFrom(r.Context()),
			"error", err,
		)
	}
	writeErr(w, mapped.status, mapped.code, mapped.message, mapped.details)
}
