package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"codeloop/internal/articulation"
	"codeloop/internal/logging"
	"codeloop/internal/state"
	"codeloop/internal/tactile"
)

// ErrStageConfig marks a stage whose configuration cannot be executed.
// It is fatal to that stage only.
var ErrStageConfig = errors.New("invalid stage configuration")

// Producer turns the declared inputs of a stage into raw text.
type Producer interface {
	Produce(ctx context.Context, in state.View) (string, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, in state.View) (string, error)

func (f ProducerFunc) Produce(ctx context.Context, in state.View) (string, error) {
	return f(ctx, in)
}

// Mode selects how a stage's raw output is turned into artifacts.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// FieldTarget is one named artifact of a multi-mode stage: the object key
// it is read from and the path it is written to.
type FieldTarget struct {
	Name string
	Key  string
	Path string
}

// ToolStep is the tool invocation a stage runs after materializing.
type ToolStep = tactile.Invocation

// Stage is one pipeline step. All of its routing lives here as data: the
// output key, extraction hint, required fields and target paths.
type Stage struct {
	Name     string
	Producer Producer
	// Inputs are the store keys handed to the producer.
	Inputs    []string
	OutputKey string

	Mode Mode
	Hint string
	// Fields are required in multi mode.
	Fields []FieldTarget
	// Path is the single-mode target. Empty means no file is written.
	Path string
	// FallbackPath receives a multi-mode fallback artifact.
	FallbackPath string

	Tool *ToolStep
	// ToolKey is where the ToolResult is stored. Defaults to "<name>_result".
	ToolKey string
}

// StageResult records what one execution of a stage did.
type StageResult struct {
	Stage     string                `json:"stage" yaml:"stage"`
	Iteration int                   `json:"iteration,omitempty" yaml:"iteration,omitempty"`
	Skipped   bool                  `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Artifacts []string              `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Files     []*tactile.FileResult `json:"files,omitempty" yaml:"files,omitempty"`
	Fallback  bool                  `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Tool      *tactile.ToolResult   `json:"tool,omitempty" yaml:"tool,omitempty"`
	Escalate  bool                  `json:"escalate,omitempty" yaml:"escalate,omitempty"`
	Duration  time.Duration         `json:"duration" yaml:"duration"`

	// Err is the configuration error that skipped the stage.
	Err error `json:"-" yaml:"-"`
	// Warnings are recoverable failures: producer, extraction, write.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Validate checks that the stage can run.
func (s *Stage) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: stage name is required", ErrStageConfig)
	}
	if s.Producer == nil && s.Tool == nil {
		return fmt.Errorf("%w: stage %q has neither producer nor tool", ErrStageConfig, s.Name)
	}
	if s.Producer != nil && s.OutputKey == "" {
		return fmt.Errorf("%w: stage %q has a producer but no output key", ErrStageConfig, s.Name)
	}

	switch s.mode() {
	case ModeNone:
	case ModeSingle:
		if s.Producer == nil {
			return fmt.Errorf("%w: stage %q extracts but has no producer", ErrStageConfig, s.Name)
		}
		if s.Hint == "" {
			return fmt.Errorf("%w: single-mode stage %q needs a content hint", ErrStageConfig, s.Name)
		}
	case ModeMulti:
		if s.Producer == nil {
			return fmt.Errorf("%w: stage %q extracts but has no producer", ErrStageConfig, s.Name)
		}
		if len(s.Fields) == 0 {
			return fmt.Errorf("%w: multi-mode stage %q has no fields", ErrStageConfig, s.Name)
		}
		seen := make(map[string]bool, len(s.Fields))
		for _, f := range s.Fields {
			if f.Name == "" || f.Key == "" {
				return fmt.Errorf("%w: stage %q has a field without name or key", ErrStageConfig, s.Name)
			}
			if seen[f.Name] {
				return fmt.Errorf("%w: stage %q repeats field %q", ErrStageConfig, s.Name, f.Name)
			}
			seen[f.Name] = true
		}
	default:
		return fmt.Errorf("%w: stage %q has unknown mode %q", ErrStageConfig, s.Name, s.Mode)
	}

	if s.Tool != nil && len(s.Tool.Commands) == 0 {
		return fmt.Errorf("%w: stage %q has a tool step without commands", ErrStageConfig, s.Name)
	}
	return nil
}

func (s *Stage) mode() Mode {
	if s.Mode == "" {
		return ModeNone
	}
	return s.Mode
}

func (s *Stage) toolKey() string {
	if s.ToolKey != "" {
		return s.ToolKey
	}
	return s.Name + "_result"
}

// expand fills the {stage}, {iteration} and {output_key} placeholders.
func (s *Stage) expand(tmpl string, iteration int) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	return strings.NewReplacer(
		"{stage}", s.Name,
		"{iteration}", strconv.Itoa(iteration),
		"{output_key}", s.OutputKey,
	).Replace(tmpl)
}

// fallbackPath is FallbackPath, or "<first field dir>/<stage>_fallback<ext>".
func (s *Stage) fallbackPath() string {
	if s.FallbackPath != "" {
		return s.FallbackPath
	}
	var dir, ext string
	for _, f := range s.Fields {
		if f.Path != "" {
			dir = filepath.Dir(f.Path)
			ext = filepath.Ext(f.Path)
			break
		}
	}
	if dir == "" {
		return ""
	}
	if s.Hint != "" {
		ext = "." + strings.ToLower(s.Hint)
	}
	return filepath.Join(dir, s.Name+"_fallback"+ext)
}

// Execute runs the stage once: produce, store raw output, extract,
// materialize, run the tool and store its result. Only a configuration
// error prevents the later steps.
func (s *Stage) Execute(ctx context.Context, run *Run, iteration int) StageResult {
	start := time.Now()
	res := StageResult{Stage: s.Name, Iteration: iteration}
	defer func() { res.Duration = time.Since(start) }()

	if err := s.Validate(); err != nil {
		logging.PipelineError("Stage skipped: %v", err)
		res.Skipped = true
		res.Err = err
		run.emit(Event{Kind: EventStageSkipped, Stage: s.Name, Iteration: iteration, Message: err.Error()})
		return res
	}

	run.emit(Event{Kind: EventStageStart, Stage: s.Name, Iteration: iteration})
	log := logging.Get(logging.CategoryPipeline).With("stage", s.Name, "iteration", iteration)

	if s.Producer != nil {
		s.produce(ctx, run, iteration, &res, log)
	}

	if s.Tool != nil {
		inv := *s.Tool
		inv.Dir = run.resolve(s.expand(inv.Dir, iteration))
		toolRes, escalate := run.Tools.RunSequence(ctx, inv)
		run.Store.Set(s.toolKey(), toolRes)
		res.Tool = &toolRes
		res.Escalate = escalate
		if escalate {
			log.Info("tool succeeded, escalating")
		} else {
			log.Warn("tool failed: %s", toolRes.ErrorMessage)
		}
	}

	run.emit(Event{Kind: EventStageFinish, Stage: s.Name, Iteration: iteration, Message: s.summary(res)})
	return res
}

func (s *Stage) produce(ctx context.Context, run *Run, iteration int, res *StageResult, log *logging.Logger) {
	raw, err := s.Producer.Produce(ctx, run.Store.View(s.Inputs...))
	if err != nil {
		log.Warn("producer failed: %v", err)
		res.Warnings = append(res.Warnings, "produce: "+err.Error())
		return
	}
	run.Store.Set(s.OutputKey, raw)
	log.Debug("stored %d bytes under %s", len(raw), s.OutputKey)

	switch s.mode() {
	case ModeSingle:
		art, err := run.Extractor.Extract(raw, s.Hint)
		if err != nil {
			log.Warn("extraction failed: %v", err)
			res.Warnings = append(res.Warnings, "extract: "+err.Error())
			return
		}
		s.store(run, res, "code", art.Content, s.expand(s.Path, iteration))

	case ModeMulti:
		fields := make([]articulation.Field, len(s.Fields))
		for i, f := range s.Fields {
			fields[i] = articulation.Field{Name: f.Name, Key: f.Key}
		}
		multi, err := run.Extractor.ExtractMulti(raw, fields, s.Hint)
		if err != nil {
			log.Warn("extraction failed: %v", err)
			res.Warnings = append(res.Warnings, "extract: "+err.Error())
			return
		}
		if multi.Valid {
			for _, f := range s.Fields {
				s.store(run, res, f.Name, multi.Artifacts[f.Name].Content, s.expand(f.Path, iteration))
			}
			return
		}
		log.Warn("using fallback artifact: %v", multi.Reason)
		res.Fallback = true
		res.Warnings = append(res.Warnings, "extract: "+multi.Reason.Error())
		s.store(run, res, "fallback", multi.Fallback.Content, s.expand(s.fallbackPath(), iteration))
	}
}

// store records an artifact and writes it to path when one is set.
func (s *Stage) store(run *Run, res *StageResult, name, content, path string) {
	key := state.ArtifactKey(s.OutputKey, name)
	run.Store.Set(key, content)
	res.Artifacts = append(res.Artifacts, key)
	if path == "" {
		return
	}
	fr, err := run.Files.Write(path, content)
	res.Files = append(res.Files, fr)
	if err != nil {
		res.Warnings = append(res.Warnings, "write: "+err.Error())
	}
}

func (s *Stage) summary(res StageResult) string {
	var parts []string
	if len(res.Artifacts) > 0 {
		parts = append(parts, fmt.Sprintf("%d artifact(s)", len(res.Artifacts)))
	}
	if res.Fallback {
		parts = append(parts, "fallback")
	}
	if res.Tool != nil {
		parts = append(parts, "tool "+string(res.Tool.Status))
	}
	if len(res.Warnings) > 0 {
		parts = append(parts, fmt.Sprintf("%d warning(s)", len(res.Warnings)))
	}
	if len(parts) == 0 {
		return "ok"
	}
	return strings.Join(parts, ", ")
}
