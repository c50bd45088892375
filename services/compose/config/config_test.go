// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/recompose/pkg/logging"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.MaxPassesPerFrame)
	assert.Equal(t, "structural", cfg.EqualityPolicy)
	assert.Equal(t, 16*time.Millisecond, cfg.FrameInterval.Std())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "recompose.yaml", `
max_passes_per_frame: 4
equality_policy: referential
frame_interval: 5ms
journal:
  enabled: true
  path: /tmp/journal
  in_memory: false
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxPassesPerFrame)
	assert.Equal(t, "referential", cfg.EqualityPolicy)
	assert.Equal(t, 5*time.Millisecond, cfg.FrameInterval.Std())
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "/tmp/journal", cfg.Journal.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 1000, cfg.HistorySize, "unset keys keep defaults")
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "recompose.json", `{"history_size": 7, "frame_interval": "1s"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.HistorySize)
	assert.Equal(t, time.Second, cfg.FrameInterval.Std())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown yaml key", "c.yaml", "max_passes: 3\n"},
		{"unknown json key", "c.json", `{"bogus": 1}`},
		{"bad duration", "c.yaml", "frame_interval: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero passes", func(c *Config) { c.MaxPassesPerFrame = 0 }, "MaxPassesPerFrame"},
		{"unknown policy", func(c *Config) { c.EqualityPolicy = "loose" }, "EqualityPolicy"},
		{"negative collect", func(c *Config) { c.CollectEvery = -1 }, "CollectEvery"},
		{"zero interval", func(c *Config) { c.FrameInterval = 0 }, "FrameInterval"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "Level"},
		{"bad exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, "TraceExporter"},
		{"disk journal without path", func(c *Config) {
			c.Journal = Journal{Enabled: true}
		}, "Journal.Path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"RECOMPOSE_MAX_PASSES":     "3",
		"RECOMPOSE_LOG_JSON":       "true",
		"RECOMPOSE_FRAME_INTERVAL": "2ms",
		"RECOMPOSE_JOURNAL_PATH":   "/var/lib/recompose",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, 3, cfg.MaxPassesPerFrame)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, 2*time.Millisecond, cfg.FrameInterval.Std())
	assert.Equal(t, Journal{Enabled: true, Path: "/var/lib/recompose"}, cfg.Journal)

	env = map[string]string{"RECOMPOSE_HISTORY_SIZE": "many"}
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("RECOMPOSE_EQUALITY_POLICY", "never")
	cfg, err := Load(writeFile(t, "c.yaml", "equality_policy: referential\n"))
	require.NoError(t, err)
	assert.Equal(t, "never", cfg.EqualityPolicy)
}

func TestYAML_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.FrameInterval = Duration(40 * time.Millisecond)
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "frame_interval: 40ms")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg, back)
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "warn"
	cfg.Journal = Journal{Enabled: true, Path: "/data", SyncWrites: true}

	assert.Equal(t, cfg.CollectEvery, cfg.Snapshot(nil).CollectEvery)
	assert.Equal(t, cfg.MaxPassesPerFrame, cfg.Scheduler(nil).MaxPassesPerFrame)

	jc := cfg.JournalConfig("sess", nil)
	assert.Equal(t, "/data", jc.Path)
	assert.Equal(t, "sess", jc.SessionID)
	assert.True(t, jc.SyncWrites)
	require.NoError(t, jc.Validate())

	assert.Equal(t, logging.LevelWarn, cfg.LoggingConfig("cli").Level)
	assert.Equal(t, "recompose", cfg.TelemetryConfig().ServiceName)
}
