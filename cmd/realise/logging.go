package main

import (
	"fmt"
	"log/slog"
	"realiser/internal/config"

	"github.com/spf13/cobra"
)

func registerLoggingFlags(cmd *cobra.Command) {
	svc := config.LoadServiceConfig()
	cmd.PersistentFlags().String("log-level", svc.LogLevel, "set the log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", svc.LogFormat, "set the log format (text, json)")
}

// newLogger builds the logger selected by the logging flags. Logs go to the
// command's error stream so that the summary on stdout stays parseable.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	switch l := cmd.Flag("log-level").Value.String(); l {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", l)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch format := cmd.Flag("log-format").Value.String(); format {
	case "json":
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}
