package transport

import (
	"fmt"
	"log/slog"
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickbal456/fdyu-sub003/internal/observability"
)

type PublicHandlers struct {
	Version stdhttp.HandlerFunc
	Healthz stdhttp.HandlerFunc
	Metrics stdhttp.Handler
	Webhook stdhttp.HandlerFunc
}

type Handlers struct {
	Public   PublicHandlers
	Workflow WorkflowHandlers
}

func NewRouter(apiKey string, logger *slog.Logger, handlers Handlers) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(observability.RequestID)
	r.Use(observability.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	registerPublicRoutes(r, handlers.Public)

	r.Group(func(api chi.Router) {
		api.Use(observability.APIKey(apiKey))

		registerWorkflowRoutes(api, handlers.Workflow)
	})

	return r
}

func registerPublicRoutes(r chi.Router, handlers PublicHandlers) {
	r.Get("/version", mustHandler("version", handlers.Version))
	r.Get("/healthz", mustHandler("healthz", handlers.Healthz))
	if handlers.Metrics != nil {
		r.Method(stdhttp.MethodGet, "/metrics", handlers.Metrics)
	}
	r.Post("/webhook", mustHandler("webhook", handlers.Webhook))
}

func cors(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key,X-Request-Id,X-User-Id")
		if r.Method == stdhttp.MethodOptions {
			w.WriteHeader(stdhttp.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mustHandler(name string, handler stdhttp.HandlerFunc) stdhttp.HandlerFunc {
	if handler != nil {
		return handler
	}
	panic(fmt.Sprintf("transport router missing handler: %s", name))
}
