// Package config loads and validates the optional Kiroku YAML configuration
// file. Credentials never live here — they always come from the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kiroku/internal/kiroku/schedule"
	"github.com/bdobrica/Kiroku/internal/kiroku/window"
)

// Config is the file-level configuration. Zero values fall back to the
// documented defaults at validation time, so a minimal file only needs the
// rooms list.
type Config struct {
	// RetentionDays is the message retention period in days.
	RetentionDays int `yaml:"retention_days"`

	// ReportTime is the local time of day ("HH:MM") for the daily report.
	ReportTime string `yaml:"report_time"`

	// CleanupTime is the local time of day ("HH:MM") for retention pruning.
	// Scheduled after the report in the daily cycle so a day's messages are
	// summarized before any of them age out.
	CleanupTime string `yaml:"cleanup_time"`

	// MaxWindowMessages caps the number of messages in a single window.
	MaxWindowMessages int `yaml:"max_window_messages"`

	// Model and Endpoint override the completion provider defaults.
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`

	// Rooms is the list of Matrix room IDs the bot tracks.
	Rooms []string `yaml:"rooms"`
}

// Default returns the built-in configuration: 14-day retention, report at
// 23:59, cleanup at 00:30.
func Default() *Config {
	return &Config{
		RetentionDays:     14,
		ReportTime:        "23:59",
		CleanupTime:       "00:30",
		MaxWindowMessages: window.DefaultMaxMessages,
	}
}

// Parse decodes a YAML document into a Config and validates it. It is the
// canonical entry point for loading Kiroku configuration.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	return Parse(data)
}

// Validate checks a Config for structural correctness. It returns the first
// validation error encountered, or nil if the config is valid.
func (c *Config) Validate() error {
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", c.RetentionDays)
	}
	if c.MaxWindowMessages < 1 {
		return fmt.Errorf("max_window_messages must be at least 1, got %d", c.MaxWindowMessages)
	}

	reportAt, err := schedule.ParseTimeOfDay(c.ReportTime)
	if err != nil {
		return fmt.Errorf("report_time: %w", err)
	}
	cleanupAt, err := schedule.ParseTimeOfDay(c.CleanupTime)
	if err != nil {
		return fmt.Errorf("cleanup_time: %w", err)
	}
	if reportAt == cleanupAt {
		return fmt.Errorf("report_time and cleanup_time must differ (both %s)", reportAt)
	}

	seen := make(map[string]struct{}, len(c.Rooms))
	for i, room := range c.Rooms {
		room = strings.TrimSpace(room)
		if room == "" {
			return fmt.Errorf("rooms[%d]: room ID must not be empty", i)
		}
		if !strings.HasPrefix(room, "!") {
			return fmt.Errorf("rooms[%d]: %q is not a Matrix room ID (expected !room:server)", i, room)
		}
		if _, dup := seen[room]; dup {
			return fmt.Errorf("rooms[%d]: duplicate room ID %q", i, room)
		}
		seen[room] = struct{}{}
	}

	return nil
}
