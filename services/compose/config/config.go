// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the runtime configuration.
//
// Configuration comes from three layers, later ones winning: Default(), a
// YAML (or JSON) file, and RECOMPOSE_* environment variables. Validate runs
// go-playground/validator over the result.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/recompose/pkg/logging"
	"github.com/AleutianAI/recompose/services/compose/journal"
	"github.com/AleutianAI/recompose/services/compose/scheduler"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
	"github.com/AleutianAI/recompose/services/compose/telemetry"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// -----------------------------------------------------------------------------
// Duration
// -----------------------------------------------------------------------------

// Duration is a time.Duration written as a Go duration string ("16ms").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Journal configures the commit journal.
type Journal struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path,omitempty" json:"path,omitempty"`
	InMemory   bool   `yaml:"in_memory" json:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes" json:"sync_writes"`
}

// Logging configures the process logger.
type Logging struct {
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty" json:"dir,omitempty"`
	JSON  bool   `yaml:"json" json:"json"`
}

// Telemetry selects the OpenTelemetry exporters.
type Telemetry struct {
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	TraceExporter  string `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"oneof=none stdout prometheus"`
}

// Config is the runtime configuration.
type Config struct {
	// MaxPassesPerFrame bounds composition passes between two frames.
	MaxPassesPerFrame int `yaml:"max_passes_per_frame" json:"max_passes_per_frame" validate:"gte=1,lte=10000"`

	// EqualityPolicy decides when a state write of an equal value is dropped.
	EqualityPolicy string `yaml:"equality_policy" json:"equality_policy" validate:"oneof=structural referential never"`

	// CollectEvery runs record collection after this many commits, 0 = never.
	CollectEvery int `yaml:"collect_every" json:"collect_every" validate:"gte=0"`

	// HistorySize bounds the apply history ring.
	HistorySize int `yaml:"history_size" json:"history_size" validate:"gte=1"`

	// FrameInterval is the minimum spacing of host frames.
	FrameInterval Duration `yaml:"frame_interval" json:"frame_interval" validate:"gt=0"`

	Journal   Journal   `yaml:"journal" json:"journal"`
	Logging   Logging   `yaml:"logging" json:"logging"`
	Telemetry Telemetry `yaml:"telemetry" json:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MaxPassesPerFrame: scheduler.DefaultConfig().MaxPassesPerFrame,
		EqualityPolicy:    snapshot.DefaultConfig().EqualityPolicy,
		CollectEvery:      snapshot.DefaultConfig().CollectEvery,
		HistorySize:       1000,
		FrameInterval:     Duration(16 * time.Millisecond),
		Journal:           Journal{InMemory: true},
		Logging:           Logging{Level: "info"},
		Telemetry: Telemetry{
			ServiceName:    "recompose",
			TraceExporter:  telemetry.ExporterNone,
			MetricExporter: telemetry.ExporterNone,
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		j := sl.Current().Interface().(Journal)
		if j.Enabled && !j.InMemory && j.Path == "" {
			sl.ReportError(j.Path, "path", "Path", "required_for_disk", "")
		}
	}, Journal{})
	return v
}

// Validate checks field ranges and cross-field rules.
//
// Outputs:
//   - error: Wraps ErrInvalid, listing every failing field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.StructNamespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// Load builds the configuration from defaults, the file at path and the
// environment, then validates it.
//
// Description:
//
//	An empty path skips the file layer. Files ending in .json are decoded as
//	JSON; anything else is decoded as YAML and retried as JSON if YAML
//	rejects it. Unknown keys are an error in both formats.
//
// Outputs:
//   - Config: The effective configuration.
//   - error: A read, decode, environment or validation error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return decodeJSON(data, cfg)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	yerr := dec.Decode(cfg)
	if yerr == nil || errors.Is(yerr, io.EOF) {
		return nil
	}
	if jerr := decodeJSON(data, cfg); jerr != nil {
		return fmt.Errorf("yaml: %v; json: %w", yerr, jerr)
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// applyEnv overlays RECOMPOSE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"RECOMPOSE_MAX_PASSES":    &c.MaxPassesPerFrame,
		"RECOMPOSE_COLLECT_EVERY": &c.CollectEvery,
		"RECOMPOSE_HISTORY_SIZE":  &c.HistorySize,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	strs := map[string]*string{
		"RECOMPOSE_EQUALITY_POLICY": &c.EqualityPolicy,
		"RECOMPOSE_LOG_LEVEL":       &c.Logging.Level,
		"RECOMPOSE_LOG_DIR":         &c.Logging.Dir,
		"RECOMPOSE_TRACE_EXPORTER":  &c.Telemetry.TraceExporter,
		"RECOMPOSE_METRIC_EXPORTER": &c.Telemetry.MetricExporter,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"RECOMPOSE_LOG_JSON":     &c.Logging.JSON,
		"RECOMPOSE_JOURNAL":      &c.Journal.Enabled,
		"RECOMPOSE_JOURNAL_SYNC": &c.Journal.SyncWrites,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup("RECOMPOSE_FRAME_INTERVAL"); ok {
		if err := c.FrameInterval.parse(v); err != nil {
			return fmt.Errorf("RECOMPOSE_FRAME_INTERVAL: %w", err)
		}
	}
	if v, ok := lookup("RECOMPOSE_JOURNAL_PATH"); ok {
		c.Journal.Enabled = true
		c.Journal.InMemory = false
		c.Journal.Path = v
	}
	return nil
}

// YAML renders the configuration as YAML.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// -----------------------------------------------------------------------------
// Component configs
// -----------------------------------------------------------------------------

// Snapshot returns the snapshot system configuration.
func (c Config) Snapshot(logger *slog.Logger) snapshot.Config {
	return snapshot.Config{
		CollectEvery:   c.CollectEvery,
		EqualityPolicy: c.EqualityPolicy,
		Logger:         logger,
	}
}

// Scheduler returns the scheduler configuration.
func (c Config) Scheduler(logger *slog.Logger) scheduler.Config {
	return scheduler.Config{
		MaxPassesPerFrame: c.MaxPassesPerFrame,
		Logger:            logger,
	}
}

// JournalConfig returns the journal configuration for session.
func (c Config) JournalConfig(session string, logger *slog.Logger) journal.Config {
	return journal.Config{
		Path:       c.Journal.Path,
		InMemory:   c.Journal.InMemory,
		SyncWrites: c.Journal.SyncWrites,
		SessionID:  session,
		Logger:     logger,
	}
}

// TelemetryConfig returns the telemetry configuration.
func (c Config) TelemetryConfig() telemetry.Config {
	t := telemetry.DefaultConfig()
	t.ServiceName = c.Telemetry.ServiceName
	t.TraceExporter = c.Telemetry.TraceExporter
	t.MetricExporter = c.Telemetry.MetricExporter
	return t
}

// LoggingConfig returns the process logger configuration.
func (c Config) LoggingConfig(service string) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
	}
}
