package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/server"
)

var (
	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild queue aggregates from the job objects",
		Long: `reconcile recomputes every queue's counts, bytes and oldest age from the
jobs that name it as their owner and prints the queues that were repaired.`,
		RunE: reconcileMain,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print the statistics of every pool queue",
		RunE:  statsMain,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tape-scheduler", core.Version)
		},
	}

	adminTimeout time.Duration
)

func init() {
	for _, c := range []*cobra.Command{reconcileCmd, statsCmd} {
		c.Flags().DurationVar(&adminTimeout, "timeout", 2*time.Minute, "give up after this long")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(versionCmd)
}

func reconcileMain(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *server.App) error {
		changed, err := app.Admin.Reconcile(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"changed": changed})
	})
}

func statsMain(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *server.App) error {
		queues, err := app.Admin.Queues(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"queues": queues})
	})
}

// withApp opens the object store and catalogue without starting the
// scheduler.
func withApp(fn func(context.Context, *server.App) error) error {
	cfg := loadConfig()
	if cfg.Store == server.StoreMemory {
		return fmt.Errorf("the memory store is private to a serving process; set TAPESCHED_STORE=%s", server.StoreNATS)
	}
	app, err := server.Open(cfg, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	return fn(ctx, app)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
