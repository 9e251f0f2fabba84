package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	transport "github.com/rickbal456/fdyu-sub003/internal/app/http"
	"github.com/rickbal456/fdyu-sub003/internal/config"
	"github.com/rickbal456/fdyu-sub003/internal/observability"
	"github.com/rickbal456/fdyu-sub003/internal/provider"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/runner"
	"github.com/rickbal456/fdyu-sub003/internal/service/adapters"
	"github.com/rickbal456/fdyu-sub003/internal/service/admission"
	"github.com/rickbal456/fdyu-sub003/internal/service/control"
	"github.com/rickbal456/fdyu-sub003/internal/service/credential"
	"github.com/rickbal456/fdyu-sub003/internal/service/dispatch"
	"github.com/rickbal456/fdyu-sub003/internal/service/executor"
	"github.com/rickbal456/fdyu-sub003/internal/service/ingest"
	"github.com/rickbal456/fdyu-sub003/internal/service/orchestrator"
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
	"github.com/rickbal456/fdyu-sub003/internal/service/worker"
)

const version = "0.1.0"

const (
	shutdownTimeout    = 10 * time.Second
	streamPollInterval = time.Second
	maxRequestBytes    = 4 << 20
)

// Options replaces collaborators; zero fields get production defaults.
type Options struct {
	Logger   *slog.Logger
	Provider ports.ProviderClient
	Ledger   ports.CreditLedger
	Vault    ports.KeyVault
	Results  ports.ResultStorage
	Getenv   func(string) string
	Now      func() time.Time
}

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	store   *repo.Store
	catalog *provider.Catalog
	now     func() time.Time

	credentials  *credential.Resolver
	admission    *admission.Controller
	executor     *executor.Service
	dispatcher   *dispatch.Dispatcher
	orchestrator *orchestrator.Service
	ingest       *ingest.Service
	control      *control.Service
	worker       *worker.Worker

	streamInterval time.Duration
	closeOnce      sync.Once
}

func NewServer(cfg config.Config) (*Server, error) {
	return NewServerWithOptions(cfg, Options{})
}

func NewServerWithOptions(cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	catalog, err := cfg.Catalog(getenv)
	if err != nil {
		return nil, err
	}
	store, err := repo.NewStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	st := adapters.NewRepoStore(store)

	vault := opts.Vault
	if vault == nil {
		staticVault, err := adapters.LoadStaticVault(cfg.UserKeysFile)
		if err != nil {
			store.Close()
			return nil, err
		}
		vault = staticVault
	}
	ledger := opts.Ledger
	if ledger == nil {
		if cfg.CreditsDisabled {
			ledger = adapters.UnlimitedLedger{}
		} else {
			ledger = adapters.RepoLedger{Store: st, Now: now}
		}
	}
	client := opts.Provider
	if client == nil {
		client = adapters.ProviderClient{Runner: runner.New()}
	}
	results := opts.Results
	if results == nil && cfg.PersistResults {
		results = adapters.NewFSResultStorage(cfg.ResultsDir())
	}

	metrics := observability.NewMetrics()
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		store:          store,
		catalog:        catalog,
		now:            now,
		streamInterval: streamPollInterval,
	}
	s.credentials = credential.NewResolver(credential.Dependencies{Catalog: catalog, Vault: vault})
	s.admission = admission.NewController(admission.Dependencies{
		Store:        st,
		Catalog:      catalog,
		SlotTTL:      cfg.SlotTTL,
		QueueItemTTL: cfg.QueueItemTTL,
		Now:          now,
		Logger:       logger.With("component", "admission"),
		Metrics:      metrics,
	})
	s.executor = executor.NewService(executor.Dependencies{
		Store:         st,
		Catalog:       catalog,
		Admission:     s.admission,
		Credentials:   s.credentials,
		Provider:      client,
		PublicBaseURL: cfg.PublicBaseURL,
		Now:           now,
		Logger:        logger.With("component", "executor"),
		Metrics:       metrics,
	})
	s.dispatcher = dispatch.NewDispatcher(dispatch.Dependencies{
		Store:             st,
		AdvanceIterations: cfg.AdvanceIterations,
		Credentials:       s.credentials,
		Now:               now,
		Logger:            logger.With("component", "dispatch"),
		Metrics:           metrics,
	})
	s.orchestrator = orchestrator.NewService(orchestrator.Dependencies{
		Store:       st,
		Catalog:     catalog,
		Dispatcher:  s.dispatcher,
		Credentials: s.credentials,
		Ledger:      ledger,
		MaxRepeat:   cfg.MaxRepeat,
		Now:         now,
		Logger:      logger.With("component", "orchestrator"),
		Metrics:     metrics,
	})
	s.ingest = ingest.NewService(ingest.Dependencies{
		Store:      st,
		Provider:   client,
		Admission:  s.admission,
		Executor:   s.executor,
		Dispatcher: s.dispatcher,
		Results:    results,
		Now:        now,
		Logger:     logger.With("component", "ingest"),
		Metrics:    metrics,
	})
	s.control = control.NewService(control.Dependencies{
		Store:       st,
		Dispatcher:  s.dispatcher,
		Credentials: s.credentials,
		Now:         now,
		Logger:      logger.With("component", "control"),
		Metrics:     metrics,
	})
	s.worker = worker.New(worker.Dependencies{
		Store:       st,
		Catalog:     catalog,
		Provider:    client,
		Credentials: s.credentials,
		Admission:   s.admission,
		Executor:    s.executor,
		Dispatcher:  s.dispatcher,
		Ingest:      s.ingest,
		Interval:    cfg.WorkerInterval,
		Now:         now,
		Logger:      logger.With("component", "worker"),
		Metrics:     metrics,
	})
	return s, nil
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close store failed", "error", err)
		}
	})
}

func (s *Server) Worker() *worker.Worker {
	return s.worker
}

func (s *Server) Orchestrator() *orchestrator.Service {
	return s.orchestrator
}

func (s *Server) Handler() http.Handler {
	return transport.NewRouter(s.cfg.APIKey, s.logger, transport.Handlers{
		Public: transport.PublicHandlers{
			Version: s.handleVersion,
			Healthz: s.handleHealthz,
			Metrics: s.metrics.Handler(),
			Webhook: s.handleWebhook,
		},
		Workflow: transport.WorkflowHandlers{
			Execute:      s.executeWorkflow,
			Status:       s.workflowStatus,
			Stream:       s.streamWorkflow,
			Cancel:       s.cancelWorkflow,
			RetryNode:    s.retryNode,
			StopNode:     s.stopNode,
			SaveWorkflow: s.saveWorkflow,
			GetWorkflow:  s.getWorkflow,
		},
	})
}

// Serve runs the HTTP listener, the work-queue loop and scheduled
// maintenance until ctx is done or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gateway listening", "addr", httpServer.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return s.worker.Run(gctx)
	})
	g.Go(func() error {
		return s.worker.RunMaintenance(gctx, s.cfg.CleanupSchedule)
	})
	return g.Wait()
}
