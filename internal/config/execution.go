package config

import (
	"time"

	"codeloop/internal/tactile"
)

// ExecutionConfig configures the tool runner.
type ExecutionConfig struct {
	// Default timeout for commands
	DefaultTimeout string `yaml:"default_timeout"`

	// Upper bound for any per-tool timeout
	MaxTimeout string `yaml:"max_timeout"`

	// Per-stream output capture limit
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// Environment variables to pass
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
}

// GetExecutionTimeout returns the default execution timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDuration(c.Execution.DefaultTimeout, 10*time.Minute)
}

// ExecutorConfig converts the execution section for the tool executor.
func (c *Config) ExecutorConfig() tactile.ExecutorConfig {
	ec := tactile.DefaultExecutorConfig()
	ec.DefaultTimeout = c.GetExecutionTimeout()
	ec.MaxTimeout = parseDuration(c.Execution.MaxTimeout, ec.MaxTimeout)
	if c.Execution.MaxOutputBytes > 0 {
		ec.MaxOutputBytes = c.Execution.MaxOutputBytes
	}
	if len(c.Execution.AllowedEnvVars) > 0 {
		ec.AllowedEnvironment = c.Execution.AllowedEnvVars
	}
	if c.Workdir != "" {
		ec.DefaultWorkingDir = c.Workdir
	}
	return ec
}
