package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"changewatch/extract"
	"changewatch/scheduler"
	"changewatch/server"
	"changewatch/storage"
)

// shutdownTimeout bounds how long serve waits for in-flight checks.
const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		Long: `Run the check scheduler and the HTTP API until interrupted.

On SIGINT or SIGTERM no new ticks start, in-flight checks are given time
to finish, and the HTTP server shuts down.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	// Jobs get their own context so a signal drains them instead of aborting.
	if err := sched.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := server.New(&server.Config{
		Store:      a.store,
		Checker:    a.checker,
		Poller:     sched,
		Fetcher:    a.scraper,
		Notifier:   a.dispatcher,
		Extract:    extract.Extract,
		IsNotFound: storage.IsNotFound,
		Logger:     logger,
	})
	serveErr := srv.Serve(ctx, strconv.Itoa(cfg.Port))

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("Scheduler did not drain in time", "timeout", shutdownTimeout.String(), "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	logger.Info("Shutdown complete")
	return nil
}

func (a *app) scheduler() (*scheduler.Scheduler, error) {
	sched, err := scheduler.New(a.store, a.checker, scheduler.Config{
		TickInterval:    a.cfg.CheckInterval.Duration(),
		CleanupSchedule: a.cfg.CleanupSchedule,
		MaxConcurrency:  a.cfg.MaxConcurrency,
		Retention:       a.cfg.StorageRetention(),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return sched, nil
}

func newInitDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the storage schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// Opening the store runs migrations.
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			fmt.Fprintln(cmd.OutOrStdout(), "Database initialized.")
			return nil
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old request logs, login logs and sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.scheduler()
			if err != nil {
				return err
			}
			res, err := sched.Housekeep(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Deleted %d request logs\n", res.RequestLogs)
			fmt.Fprintf(out, "Deleted %d login logs\n", res.LoginLogs)
			fmt.Fprintf(out, "Deleted %d expired sessions\n", res.Sessions)
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <item-id>",
		Short: "Check one item now and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			item, err := a.store.GetItem(cmd.Context(), args[0])
			if err != nil {
				if storage.IsNotFound(err) {
					return fmt.Errorf("item %s not found", args[0])
				}
				return fmt.Errorf("load item: %w", err)
			}

			res := a.checker.Check(cmd.Context(), item)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if res.PersistError != nil {
				return errors.Join(errors.New("check result not saved"), res.PersistError)
			}
			return nil
		},
	}
}
