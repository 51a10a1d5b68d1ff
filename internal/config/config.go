// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config holds the runtime configuration shared by the CLI and the
// library components.
package config

import (
	"fmt"
	"time"

	"github.com/mobiletoly/diasync/internal/syncer"
)

// Config holds all configuration for the diasync client.
type Config struct {
	// Backend connection
	BaseURL          string
	BackendUTCOffset int // hours; the fixed zone backend timestamps are formatted in

	// Local storage
	DatabasePath string

	// Sync behavior
	SyncInterval   time.Duration
	MatchTolerance time.Duration // fuzzy dedup window for pulled readings
	PageSize       int
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	// Logging
	LogFile    string // empty means stderr only
	LogLevel   string // debug, info, warn, error
	LogMaxSize int    // megabytes before rotation
	LogBackups int
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "http://localhost:8000",
		BackendUTCOffset: -3,

		DatabasePath: "diasync.db",

		SyncInterval:   2 * time.Minute,
		MatchTolerance: time.Second,
		PageSize:       100,
		BackoffBase:    1 * time.Second,
		BackoffMax:     60 * time.Second,

		LogLevel:   "info",
		LogMaxSize: 10,
		LogBackups: 3,
	}
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.MatchTolerance < 0 {
		return fmt.Errorf("match tolerance must not be negative, got %s", c.MatchTolerance)
	}
	if c.BackendUTCOffset < -12 || c.BackendUTCOffset > 14 {
		return fmt.Errorf("backend UTC offset out of range: %d", c.BackendUTCOffset)
	}
	return nil
}

// BackendZone returns the fixed zone backend timestamps are formatted in.
func (c *Config) BackendZone() *time.Location {
	name := fmt.Sprintf("UTC%+d", c.BackendUTCOffset)
	return time.FixedZone(name, c.BackendUTCOffset*60*60)
}

// SyncerConfig maps the relevant fields onto the sync engine's config.
func (c *Config) SyncerConfig() *syncer.Config {
	cfg := syncer.DefaultConfig()
	cfg.PageSize = c.PageSize
	cfg.MatchTolerance = c.MatchTolerance
	cfg.BackendZone = c.BackendZone()
	return cfg
}
