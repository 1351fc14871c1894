package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-tape-scheduler/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tape-scheduler",
	Short: "Schedule tape mounts for queued archive and retrieve requests",
	Long: `tape-scheduler watches per-pool transfer queues, mounts a tape on a free drive
when a queue becomes mount-worthy and runs the queued transfers through it.
Several schedulers may share one object store.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and installs the JSON logger at the
// configured level.
func loadConfig() server.Config {
	cfg := server.LoadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))
	return cfg
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
