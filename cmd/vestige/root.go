// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vestige-dev/vestige/internal/config"
	"github.com/vestige-dev/vestige/internal/engine"
	"github.com/vestige-dev/vestige/internal/storage"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

// NewRootCmd creates the root vestige command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vestige",
		Short:         "Vestige desktop activity log",
		Long:          "Vestige records desktop activity events and answers structured and full-text queries over them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	// Global flags, mapped to viper keys via initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newLogCmd(),
		newQueryCmd(),
		newSearchCmd(),
		newDeleteCmd(),
		newReindexCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return vestigeerr.Errorf(vestigeerr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		v.SetConfigName("vestige")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/vestige")
		v.AddConfigPath("/etc/vestige")
		// No config file is fine, defaults and env vars still apply.
		// Parse or permission errors must surface.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return vestigeerr.Errorf(vestigeerr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
		}
	}

	if err := v.BindPFlag("data_dir", cmd.Root().PersistentFlags().Lookup("data-dir")); err != nil {
		return vestigeerr.Errorf(vestigeerr.CodeCLISetupFailure, "binding data-dir flag: %w", err)
	}
	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return vestigeerr.Errorf(vestigeerr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	return config.FromViper(viper.GetViper())
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openEngine opens the store and index per the active configuration.
// Callers must Close it.
func openEngine() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, vestigeerr.Wrap(err, vestigeerr.CodeCLISetupFailure, "creating data directory")
	}
	log := newLogger(cfg)
	e, err := engine.Open(engine.Options{
		DBPath:        cfg.DBPath(),
		IndexDir:      cfg.IndexDir(),
		Logger:        log,
		FlushInterval: time.Duration(cfg.Index.FlushIntervalMS) * time.Millisecond,
		Debug:         viper.GetBool("verbose"),
	})
	if err != nil {
		// An unreadable store is the one condition worth a distinctive
		// exit status, so a supervisor can tell it from a usage error.
		if vestigeerr.IsCorrupt(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(3)
		}
		return nil, err
	}
	return e, nil
}

// senderID identifies this CLI invocation as the event source.
func senderID() string {
	return "cli:" + uuid.NewString()
}

// parseResultType maps the user-facing names onto result type tags.
func parseResultType(s string) (storage.ResultType, error) {
	types := map[string]storage.ResultType{
		"most-recent-events":     storage.MostRecentEvents,
		"least-recent-events":    storage.LeastRecentEvents,
		"most-recent-subjects":   storage.MostRecentSubjects,
		"least-recent-subjects":  storage.LeastRecentSubjects,
		"most-popular-subjects":  storage.MostPopularSubjects,
		"least-popular-subjects": storage.LeastPopularSubjects,
		"most-popular-actor":     storage.MostPopularActor,
		"least-popular-actor":    storage.LeastPopularActor,
		"most-recent-actor":      storage.MostRecentActor,
		"least-recent-actor":     storage.LeastRecentActor,
		"relevancy":              storage.Relevancy,
	}
	rt, ok := types[s]
	if !ok {
		return 0, vestigeerr.Errorf(vestigeerr.CodeCLIInputInvalid, "unknown result type %q", s)
	}
	return rt, nil
}

// timeRangeFromFlags builds the query range from --since/--until
// millisecond timestamps; zero until means open-ended.
func timeRangeFromFlags(since, until int64) storage.TimeRange {
	tr := storage.AlwaysRange()
	if since > 0 {
		tr.Begin = since
	}
	if until > 0 {
		tr.End = until
	}
	return tr
}
