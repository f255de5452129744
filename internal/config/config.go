// Package config implements TOML configuration loading, validation, and
// live reload for the collaboration engine. Layering is defaults ->
// config file -> environment; durations are written as Go duration
// strings ("1s", "16ms").
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tmeditor/collabengine/internal/batch"
	"github.com/tmeditor/collabengine/internal/resync"
)

// Config is the top-level configuration parsed from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Batching BatchingConfig `toml:"batching"`
	Resync   ResyncConfig   `toml:"resync"`
	History  HistoryConfig  `toml:"history"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig locates the TMI server.
type ServerConfig struct {
	// BaseURL is the REST API root, e.g. "https://tmi.example.com/api".
	BaseURL string `toml:"base_url" validate:"required,url"`
	// WSURL is the websocket origin, e.g. "wss://tmi.example.com".
	// Empty derives it from BaseURL.
	WSURL string `toml:"ws_url" validate:"omitempty,url"`
}

// BatchingConfig tunes the batch assembler. Values map directly onto
// batch.Config.
type BatchingConfig struct {
	MaxBatchDelay    string `toml:"max_batch_delay" validate:"omitempty,duration"`
	MaxBatchSize     int    `toml:"max_batch_size" validate:"min=0"`
	MinFlushInterval string `toml:"min_flush_interval" validate:"omitempty,duration"`
	Adaptive         bool   `toml:"adaptive"`
}

// ResyncConfig tunes the resync coordinator.
type ResyncConfig struct {
	Debounce   string `toml:"debounce" validate:"omitempty,duration"`
	MaxRetries int    `toml:"max_retries" validate:"min=0"`
	RetryDelay string `toml:"retry_delay" validate:"omitempty,duration"`
}

// HistoryConfig locates the undo/redo ledger database.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables persistence.
	Path string `toml:"path"`
	// Keep bounds retained entries per diagram when pruning.
	Keep int `toml:"keep" validate:"min=0"`
}

// LoggingConfig controls log verbosity and output format.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	// Format is text, json, or auto (text on a TTY, json otherwise).
	Format string `toml:"format" validate:"omitempty,oneof=text json auto"`
}

// Default returns the built-in configuration, used when no config file
// exists and as the base layer under one.
func Default() Config {
	return Config{
		Batching: BatchingConfig{
			MaxBatchDelay:    "1s",
			MaxBatchSize:     50,
			MinFlushInterval: "16ms",
		},
		Resync: ResyncConfig{
			Debounce:   "500ms",
			MaxRetries: 3,
			RetryDelay: "2s",
		},
		History: HistoryConfig{
			Keep: 500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// newValidator builds the struct validator with the custom duration rule.
func newValidator() *validator.Validate {
	v := validator.New()

	// Durations are TOML strings; validate that they parse.
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})

	return v
}

// Validate checks the configuration, returning the first violation.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}

	return nil
}

// BatchConfig converts the TOML view into the assembler's runtime
// configuration. Must be called on a validated Config.
func (c *Config) BatchConfig() batch.Config {
	cfg := batch.DefaultConfig()

	if c.Batching.MaxBatchDelay != "" {
		cfg.MaxBatchDelay, _ = time.ParseDuration(c.Batching.MaxBatchDelay)
	}

	if c.Batching.MaxBatchSize > 0 {
		cfg.MaxBatchSize = c.Batching.MaxBatchSize
	}

	if c.Batching.MinFlushInterval != "" {
		cfg.MinFlushInterval, _ = time.ParseDuration(c.Batching.MinFlushInterval)
	}

	cfg.EnableAdaptiveBatching = c.Batching.Adaptive

	return cfg
}

// ResyncCoordinatorConfig converts the TOML view into the coordinator's
// runtime configuration. Must be called on a validated Config.
func (c *Config) ResyncCoordinatorConfig() resync.Config {
	cfg := resync.DefaultConfig()

	if c.Resync.Debounce != "" {
		cfg.Debounce, _ = time.ParseDuration(c.Resync.Debounce)
	}

	if c.Resync.MaxRetries > 0 {
		cfg.MaxRetries = c.Resync.MaxRetries
	}

	if c.Resync.RetryDelay != "" {
		cfg.RetryDelay, _ = time.ParseDuration(c.Resync.RetryDelay)
	}

	return cfg
}
