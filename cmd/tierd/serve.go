package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-tiering/internal/leader"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/readers"
	"github.com/telhawk-systems/telhawk-tiering/internal/scheduler"
	"github.com/telhawk-systems/telhawk-tiering/internal/server"
)

const (
	roleMaintenance = "maintenance"
	roleReader      = "reader"
	roleAll         = "all"
)

var (
	serveRole         string
	serveQueryTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tiering service",
	Long: `Run the long-lived service.

The maintenance role runs the scheduled jobs (ingest, migrate, dedup,
severity, reap, indexes). With leader.enabled only the lease holder runs
them. The reader role answers fan-out queries over NATS. The all role does
both. Every role serves /healthz, /readyz and /metrics.`,
	Example: `  tierd serve --config /etc/telhawk/tiering/config.yaml
  tierd serve --role reader`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRole, "role", roleAll, "process role: maintenance, reader or all")
	serveCmd.Flags().DurationVar(&serveQueryTimeout, "query-timeout", 30*time.Second, "timeout for one fan-out query")
}

func runServe(cmd *cobra.Command, args []string) error {
	switch serveRole {
	case roleMaintenance, roleReader, roleAll:
	default:
		return fmt.Errorf("invalid role %q", serveRole)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	checks := map[string]server.Check{"store": a.store.Ping}
	if a.nats != nil {
		nc := a.nats
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	var sched *scheduler.Scheduler
	if serveRole != roleReader {
		elector := leader.Elector(leader.Always{})
		if cfg.Leader.Enabled {
			if a.redis == nil {
				return errors.New("leader.enabled requires redis.enabled")
			}
			re := leader.NewRedisElector(a.redis, cfg.Leader.Key, cfg.Leader.TTL, logger)
			go re.Run(ctx)
			elector = re
		}

		sched, err = a.scheduler(ctx, elector)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		logger.InfoContext(ctx, "maintenance jobs scheduled", "jobs", sched.Jobs(), "leader_lease", cfg.Leader.Enabled)
	}

	var workers *readers.Workers
	if serveRole != roleMaintenance {
		if a.nats == nil {
			return errors.New("reader role requires nats.enabled")
		}
		workers = readers.New(a.nats, a.fanout(), serveQueryTimeout, logger)
		if err := workers.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(serveRole, checks),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "ops server listening", "addr", srv.Addr, "role", serveRole)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.InfoContext(context.Background(), "shutting down")
	case err := <-errCh:
		logger.ErrorContext(context.Background(), "ops server failed", logging.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if workers != nil {
		if err := workers.Stop(); err != nil {
			logger.WarnContext(shutdownCtx, "failed to stop readers", logging.Error(err))
		}
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			logger.WarnContext(shutdownCtx, "failed to stop scheduler", logging.Error(err))
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			logger.WarnContext(shutdownCtx, "failed to drain nats", logging.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "server forced to shutdown: %v\n", err)
		return err
	}

	logger.InfoContext(shutdownCtx, "tierd stopped")
	return nil
}
