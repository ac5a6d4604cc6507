package config

import "codeloop/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	File       string          `yaml:"file,omitempty"`
	DebugMode  bool            `yaml:"debug_mode"` // forces debug level
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// Options converts the section for logging.Initialize.
func (c LoggingConfig) Options() logging.Options {
	level := c.Level
	if c.DebugMode {
		level = "debug"
	}
	return logging.Options{
		Level:      level,
		JSONFormat: c.Format == "json",
		File:       c.File,
		Categories: c.Categories,
	}
}
