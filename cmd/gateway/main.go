package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickbal456/fdyu-sub003/internal/app"
	"github.com/rickbal456/fdyu-sub003/internal/config"
	"github.com/rickbal456/fdyu-sub003/internal/repo"
	"github.com/rickbal456/fdyu-sub003/internal/service/adapters"
)

func main() {
	var envFile string
	rootCmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Workflow execution gateway",
		Long:          "Runs node graphs against generative-AI providers with per-credential admission control.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := loadEnvFile(envFile)
			return err
		},
		RunE: runServe,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load (default $GATEWAY_ENV_FILE or .env)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newCreditsCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, work queue and maintenance",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	srv, err := newServer()
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Print an execution with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			view, err := srv.Orchestrator().Status(cmd.Context(), "", args[0])
			if err != nil {
				return fmt.Errorf("load execution %s: %w", args[0], err)
			}
			return printJSON(cmd, view)
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired admission slots and queue items once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			report, err := srv.Worker().Maintain(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := srv.Worker().Drain(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newCreditsCommand() *cobra.Command {
	credits := &cobra.Command{
		Use:   "credits",
		Short: "Manage user credit lots",
	}

	var expiresIn time.Duration
	grant := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Add a credit lot for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := repo.NewStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			ledger := adapters.RepoLedger{Store: adapters.NewRepoStore(store)}
			var expiresAt *time.Time
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn)
				expiresAt = &at
			}
			if err := ledger.Grant(cmd.Context(), args[0], amount, expiresAt); err != nil {
				return err
			}
			available, err := ledger.Available(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s, available %d\n", amount, args[0], available)
			return nil
		},
	}
	grant.Flags().DurationVar(&expiresIn, "expires", 0, "lot lifetime, e.g. 720h (default never)")
	credits.AddCommand(grant)
	return credits
}

func newServer() (*app.Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	srv, err := app.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("init server: %w", err)
	}
	return srv, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
