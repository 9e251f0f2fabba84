package transport

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
)

type WorkflowHandlers struct {
	Execute      stdhttp.HandlerFunc
	Status       stdhttp.HandlerFunc
	Stream       stdhttp.HandlerFunc
	Cancel       stdhttp.HandlerFunc
	RetryNode    stdhttp.HandlerFunc
	StopNode     stdhttp.HandlerFunc
	SaveWorkflow stdhttp.HandlerFunc
	GetWorkflow  stdhttp.HandlerFunc
}

func registerWorkflowRoutes(api chi.Router, handlers WorkflowHandlers) {
	api.Route("/workflows", func(r chi.Router) {
		r.Post("/execute", mustHandler("execute-workflow", handlers.Execute))
		r.Get("/status", mustHandler("workflow-status", handlers.Status))
		r.Get("/stream", mustHandler("workflow-stream", handlers.Stream))
		r.Post("/cancel", mustHandler("cancel-workflow", handlers.Cancel))
		r.Post("/retry-node", mustHandler("retry-node", handlers.RetryNode))
		r.Post("/stop-node", mustHandler("stop-node", handlers.StopNode))
		r.Put("/{workflow_id}", mustHandler("save-workflow", handlers.SaveWorkflow))
		r.Get("/{workflow_id}", mustHandler("get-workflow", handlers.GetWorkflow))
	})
}
