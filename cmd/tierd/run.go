package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-tiering/internal/dedup"
	"github.com/telhawk-systems/telhawk-tiering/internal/indexmgr"
	"github.com/telhawk-systems/telhawk-tiering/internal/ingest"
	"github.com/telhawk-systems/telhawk-tiering/internal/leader"
	"github.com/telhawk-systems/telhawk-tiering/internal/migrator"
	"github.com/telhawk-systems/telhawk-tiering/internal/retention"
)

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one maintenance job and print its summary",
	Long: `Run a single maintenance job immediately, ignoring the leader lease,
and print the run summary as JSON. The exit status is non-zero when the job
fails.`,
	Example: `  tierd run migrate
  tierd run dedup --config ./config.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the maintenance jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range jobNames {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var jobNames = []string{
	indexmgr.JobName,
	ingest.JobName,
	migrator.JobName,
	dedup.JobName,
	dedup.SeverityJobName,
	retention.JobName,
}

func runJob(cmd *cobra.Command, args []string) error {
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

	sched, err := a.scheduler(ctx, leader.Always{})
	if err != nil {
		return err
	}

	sum, runErr := sched.Trigger(ctx, args[0])
	if sum != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
	}
	return runErr
}
