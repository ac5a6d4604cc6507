package config

import (
	"fmt"
	"time"
)

// PipelineConfig is the ordered list of stages and loops.
type PipelineConfig struct {
	Elements []ElementConfig `yaml:"elements"`
}

// ElementConfig holds exactly one of Stage or Loop.
type ElementConfig struct {
	Stage *StageConfig `yaml:"stage,omitempty"`
	Loop  *LoopConfig  `yaml:"loop,omitempty"`
}

// LoopConfig configures a refinement loop.
type LoopConfig struct {
	Name          string        `yaml:"name"`
	MaxIterations int           `yaml:"max_iterations"`
	Stages        []StageConfig `yaml:"stages"`
}

// StageConfig configures one stage. A stage has a producer when it names an
// instruction file or canned responses.
type StageConfig struct {
	Name string `yaml:"name"`

	// Instruction is the prompt file sent ahead of the inputs.
	Instruction string `yaml:"instruction,omitempty"`
	// Model overrides llm.model for this stage.
	Model string `yaml:"model,omitempty"`
	// Responses are replayed by the script provider, one per iteration.
	Responses []string `yaml:"responses,omitempty"`

	Inputs    []string `yaml:"inputs,omitempty"`
	OutputKey string   `yaml:"output_key,omitempty"`

	Mode         string        `yaml:"mode,omitempty"` // none, single, multi
	Hint         string        `yaml:"hint,omitempty"`
	Fields       []FieldConfig `yaml:"fields,omitempty"`
	Path         string        `yaml:"path,omitempty"`
	FallbackPath string        `yaml:"fallback_path,omitempty"`

	Tool    *ToolConfig `yaml:"tool,omitempty"`
	ToolKey string      `yaml:"tool_key,omitempty"`
}

// HasProducer reports whether the stage invokes a producer.
func (s StageConfig) HasProducer() bool {
	return s.Instruction != "" || len(s.Responses) > 0
}

// FieldConfig maps one multi-mode artifact to its object key and path.
type FieldConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	Path string `yaml:"path,omitempty"`
}

// ToolConfig is a stage's tool step.
type ToolConfig struct {
	Dir       string     `yaml:"dir,omitempty"`
	CleanDirs []string   `yaml:"clean_dirs,omitempty"`
	Commands  [][]string `yaml:"commands"`
	Timeout   string     `yaml:"timeout,omitempty"`
}

// GetTimeout returns the per-command timeout, or zero to use the executor default.
func (t ToolConfig) GetTimeout() time.Duration {
	return parseDuration(t.Timeout, 0)
}

func (p PipelineConfig) validate() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if len(p.Elements) == 0 {
		add("pipeline has no elements")
	}

	names := make(map[string]bool)
	unique := func(name string) {
		if name == "" {
			return
		}
		if names[name] {
			add("duplicate name %q", name)
		}
		names[name] = true
	}

	for i, el := range p.Elements {
		switch {
		case el.Stage != nil && el.Loop != nil:
			add("element %d sets both stage and loop", i)
		case el.Stage != nil:
			unique(el.Stage.Name)
			errs = append(errs, el.Stage.validate()...)
		case el.Loop != nil:
			unique(el.Loop.Name)
			if el.Loop.Name == "" {
				add("loop %d has no name", i)
			}
			if el.Loop.MaxIterations < 0 {
				add("loop %q: max_iterations must be positive", el.Loop.Name)
			}
			if len(el.Loop.Stages) == 0 {
				add("loop %q has no stages", el.Loop.Name)
			}
			for _, s := range el.Loop.Stages {
				unique(s.Name)
				errs = append(errs, s.validate()...)
			}
		default:
			add("element %d is empty", i)
		}
	}
	return errs
}

func (s StageConfig) validate() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: stage %q: "+format, append([]any{ErrInvalid, s.Name}, args...)...))
	}

	if s.Name == "" {
		add("name is required")
	}
	if !s.HasProducer() && s.Tool == nil {
		add("needs an instruction, responses or a tool")
	}
	if s.HasProducer() && s.OutputKey == "" {
		add("output_key is required with a producer")
	}
	switch s.Mode {
	case "", "none":
	case "single":
		if s.Hint == "" {
			add("single mode needs a hint")
		}
	case "multi":
		if len(s.Fields) == 0 {
			add("multi mode needs fields")
		}
		for _, f := range s.Fields {
			if f.Name == "" || f.Key == "" {
				add("every field needs name and key")
			}
		}
	default:
		add("unknown mode %q", s.Mode)
	}
	if s.Tool != nil {
		if len(s.Tool.Commands) == 0 {
			add("tool has no commands")
		}
		for _, argv := range s.Tool.Commands {
			if len(argv) == 0 || argv[0] == "" {
				add("tool command is empty")
			}
		}
	}
	return errs
}
