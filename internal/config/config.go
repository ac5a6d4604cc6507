package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up when none is given.
const DefaultFile = "codeloop.yaml"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all codeloop configuration.
type Config struct {
	Name string `yaml:"name"`

	// Workdir is the project root; artifact paths and tool directories
	// resolve against it.
	Workdir string `yaml:"workdir"`

	// Seeds preload the store: key to a file path under Workdir. A missing
	// file leaves the key absent.
	Seeds map[string]string `yaml:"seeds,omitempty"`

	LLM        LLMConfig        `yaml:"llm"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Logging    LoggingConfig    `yaml:"logging"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// ExtractionConfig tunes the extraction engine.
type ExtractionConfig struct {
	// Fields overrides the structured-fallback probing order.
	Fields []string `yaml:"fields,omitempty"`
	// ScanEmbedded probes JSON objects embedded in prose.
	ScanEmbedded bool `yaml:"scan_embedded"`
}

// DefaultConfig returns the C/C++ generate, refine and test workflow: a
// code writer producing a header/source pair, a review/refactor/build loop
// and a test write/run loop, five iterations each.
func DefaultConfig() *Config {
	return &Config{
		Name:    "doorlock_control",
		Workdir: "examples",
		Seeds:   map[string]string{"requirements": "requirements.md"},

		LLM: LLMConfig{
			Provider:   ProviderGemini,
			Model:      "gemini-2.0-flash",
			Timeout:    "120s",
			Retries:    3,
			RetryDelay: "2s",
			CacheSize:  64,
		},

		Execution: ExecutionConfig{
			DefaultTimeout: "10m",
			MaxTimeout:     "1h",
			MaxOutputBytes: 10 * 1024 * 1024,
			AllowedEnvVars: []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "CC", "CXX"},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},

		Pipeline: defaultPipeline(),
	}
}

func defaultPipeline() PipelineConfig {
	header := "src/body_app/doorlock_control.h"
	source := "src/body_app/doorlock_control.c"
	return PipelineConfig{Elements: []ElementConfig{
		{Stage: &StageConfig{
			Name:        "code_writer",
			Instruction: "prompts/code_writer.md",
			Inputs:      []string{"requirements"},
			OutputKey:   "generated_code",
			Mode:        "multi",
			Hint:        "c",
			Fields: []FieldConfig{
				{Name: "header", Key: "header_file_content", Path: header},
				{Name: "source", Key: "source_file_content", Path: source},
			},
		}},
		{Loop: &LoopConfig{
			Name:          "code_refinement",
			MaxIterations: 5,
			Stages: []StageConfig{
				{
					Name:        "code_reviewer",
					Instruction: "prompts/code_reviewer.md",
					Model:       "gemini-1.5-pro-latest",
					Inputs:      []string{"generated_code", "refactored_code", "build_result"},
					OutputKey:   "review_comments",
					Mode:        "none",
				},
				{
					Name:        "code_refactorer",
					Instruction: "prompts/code_refactorer.md",
					Inputs:      []string{"generated_code", "refactored_code", "review_comments", "build_result"},
					OutputKey:   "refactored_code",
					Mode:        "multi",
					Hint:        "c",
					Fields: []FieldConfig{
						{Name: "header", Key: "refactored_header_file_content", Path: header},
						{Name: "source", Key: "refactored_source_file_content", Path: source},
					},
				},
				{
					Name:    "code_builder",
					ToolKey: "build_result",
					Tool: &ToolConfig{
						Dir:       ".",
						CleanDirs: []string{"build"},
						Commands: [][]string{
							{"cmake", "-S", "src", "-B", "build", "-G", "Ninja", "-D", "CMAKE_TOOLCHAIN_FILE=cmake/gcc.cmake"},
							{"cmake", "--build", "build"},
						},
					},
				},
			},
		}},
		{Loop: &LoopConfig{
			Name:          "test_refinement",
			MaxIterations: 5,
			Stages: []StageConfig{
				{
					Name:        "test_writer",
					Instruction: "prompts/test_writer.md",
					Inputs:      []string{"refactored_code", "generated_code", "generated_test_code", "test_result"},
					OutputKey:   "generated_test_code",
					Mode:        "single",
					Hint:        "cpp",
					Path:        "tests/test_doorlock_control.cpp",
				},
				{
					Name:    "test_runner",
					ToolKey: "test_result",
					Tool: &ToolConfig{
						Dir:      ".",
						Commands: [][]string{{"make", "tests"}},
					},
				},
			},
		}},
	}}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		// A file that declares a pipeline replaces the default one, seeds included.
		cfg.Pipeline = PipelineConfig{}
		cfg.Seeds = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if len(cfg.Pipeline.Elements) == 0 {
			cfg.Pipeline = defaultPipeline()
			if cfg.Seeds == nil {
				cfg.Seeds = DefaultConfig().Seeds
			}
		}
		if cfg.Workdir != "" && !filepath.IsAbs(cfg.Workdir) {
			cfg.Workdir = filepath.Join(filepath.Dir(path), cfg.Workdir)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// GEMINI_API_KEY wins over GOOGLE_API_KEY, as in the genai client.
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("CODELOOP_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if dir := os.Getenv("CODELOOP_WORKDIR"); dir != "" {
		c.Workdir = dir
	}
}

// Validate validates the configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !isValidProvider(c.LLM.Provider) {
		add("unknown llm provider %q (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.Provider == ProviderCommand && len(c.LLM.Command) == 0 {
		add("llm provider %q needs llm.command", ProviderCommand)
	}
	if c.LLM.Retries < 0 {
		add("llm.retries must not be negative")
	}
	if c.LLM.CacheSize < 0 {
		add("llm.cache_size must not be negative")
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		add("logging.format must be text or json, got %q", c.Logging.Format)
	}

	errs = append(errs, c.Pipeline.validate()...)
	return errors.Join(errs...)
}
