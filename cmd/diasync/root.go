// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mobiletoly/diasync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "diasync",
	Short: "Local-first glucose diary for the Diabetactic backend",
	Long: `diasync keeps a glucose diary on this machine and synchronizes it
with the Diabetactic backend whenever connectivity allows. Readings added
while offline are queued and pushed on the next sync.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.config/diasync/diasync.yaml)")
	rootCmd.PersistentFlags().String("base-url", "", "backend base URL")
	rootCmd.PersistentFlags().String("db", "", "path to the local database")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (rotated); empty logs to stderr")
}

// cfg is populated by initConfig before any subcommand runs.
var cfg *config.Config

func initConfig(cmd *cobra.Command) error {
	v := viper.New()

	defaults := config.DefaultConfig()
	v.SetDefault("base_url", defaults.BaseURL)
	v.SetDefault("backend_utc_offset", defaults.BackendUTCOffset)
	v.SetDefault("database_path", defaultDatabasePath())
	v.SetDefault("sync_interval", defaults.SyncInterval)
	v.SetDefault("match_tolerance", defaults.MatchTolerance)
	v.SetDefault("page_size", defaults.PageSize)
	v.SetDefault("backoff_base", defaults.BackoffBase)
	v.SetDefault("backoff_max", defaults.BackoffMax)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_file", defaults.LogFile)
	v.SetDefault("log_max_size", defaults.LogMaxSize)
	v.SetDefault("log_backups", defaults.LogBackups)

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("diasync")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "diasync"))
		}
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("DIASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Flags beat config file and environment.
	for flag, key := range map[string]string{
		"base-url":  "base_url",
		"db":        "database_path",
		"log-level": "log_level",
		"log-file":  "log_file",
	} {
		if val, _ := cmd.Flags().GetString(flag); val != "" {
			v.Set(key, val)
		}
	}

	cfg = &config.Config{
		BaseURL:          v.GetString("base_url"),
		BackendUTCOffset: v.GetInt("backend_utc_offset"),
		DatabasePath:     v.GetString("database_path"),
		SyncInterval:     v.GetDuration("sync_interval"),
		MatchTolerance:   v.GetDuration("match_tolerance"),
		PageSize:         v.GetInt("page_size"),
		BackoffBase:      v.GetDuration("backoff_base"),
		BackoffMax:       v.GetDuration("backoff_max"),
		LogFile:          v.GetString("log_file"),
		LogLevel:         v.GetString("log_level"),
		LogMaxSize:       v.GetInt("log_max_size"),
		LogBackups:       v.GetInt("log_backups"),
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.SetDefault(newLogger(cfg))
	return nil
}

// newLogger builds the process logger: stderr by default, a rotated file
// when one is configured.
func newLogger(c *config.Config) *slog.Logger {
	var out io.Writer = os.Stderr
	if c.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogMaxSize,
			MaxBackups: c.LogBackups,
			MaxAge:     28,
		}
	}
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "diasync.db"
	}
	return filepath.Join(home, ".local", "share", "diasync", "diasync.db")
}
