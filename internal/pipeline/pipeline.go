// Package pipeline drives producers, extraction, file writes and tools
// through stages and refinement loops. Stages never call each other; all
// data flows through the run's state store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"codeloop/internal/articulation"
	"codeloop/internal/logging"
	"codeloop/internal/state"
	"codeloop/internal/tactile"
)

// Element is one entry of a pipeline: exactly one of Stage or Loop is set.
type Element struct {
	Stage *Stage
	Loop  *Loop
}

// Name returns the stage or loop name.
func (e Element) Name() string {
	switch {
	case e.Stage != nil:
		return e.Stage.Name
	case e.Loop != nil:
		return e.Loop.Name
	}
	return ""
}

// ElementResult is the outcome of one element.
type ElementResult struct {
	Name  string       `json:"name" yaml:"name"`
	Stage *StageResult `json:"stage,omitempty" yaml:"stage,omitempty"`
	Loop  *LoopResult  `json:"loop,omitempty" yaml:"loop,omitempty"`
}

// Report is the outcome of a pipeline run.
type Report struct {
	RunID      string             `json:"run_id" yaml:"run_id"`
	Name       string             `json:"name" yaml:"name"`
	StartedAt  time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time          `json:"finished_at" yaml:"finished_at"`
	Elements   []ElementResult    `json:"elements" yaml:"elements"`
	Extraction articulation.Stats `json:"extraction" yaml:"extraction"`

	// Store is the final state of the run.
	Store *state.Store `json:"-" yaml:"-"`
}

// Run is the per-run context shared by the stages of one pipeline
// execution. Nothing in it outlives the run.
type Run struct {
	ID        string
	Workdir   string
	Store     *state.Store
	Extractor *articulation.Extractor
	Files     *tactile.Materializer
	Tools     *tactile.ToolRunner

	element string
	onEvent func(Event)
}

// NewRun creates a run rooted at workdir with a fresh store.
// A nil executor uses a DirectExecutor with default config.
func NewRun(workdir string, executor tactile.Executor) *Run {
	id := uuid.NewString()
	files := tactile.NewMaterializer()
	files.SetRoot(workdir)
	files.SetRunID(id)
	tools := tactile.NewToolRunner(executor)
	tools.SetRunID(id)
	return &Run{
		ID:        id,
		Workdir:   workdir,
		Store:     state.New(),
		Extractor: articulation.NewExtractor(),
		Files:     files,
		Tools:     tools,
	}
}

func (r *Run) emit(e Event) {
	if r.onEvent == nil {
		return
	}
	e.RunID = r.ID
	if e.Element == "" {
		e.Element = r.element
	}
	r.onEvent(e)
}

func (r *Run) resolve(path string) string {
	if path == "" {
		return r.Workdir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.Workdir, path)
}

// Pipeline is an ordered list of stages and loops run once, start to
// finish. It has no escalate concept of its own.
type Pipeline struct {
	Name     string
	Elements []Element
	// Workdir is the root for relative artifact paths and tool directories.
	Workdir string
	// Executor runs tool commands. Nil means a default DirectExecutor.
	Executor tactile.Executor
	// Extractor overrides the default extraction settings.
	Extractor *articulation.Extractor
	// OnEvent receives progress events. It is called synchronously.
	OnEvent func(Event)
	// FileAudit receives every materialization event.
	FileAudit func(tactile.FileAuditEvent)
	// Seed is written to the store before the first element runs.
	Seed map[string]state.Value
}

// Validate checks every element and stage without running anything.
func (p *Pipeline) Validate() error {
	var errs []error
	for i, el := range p.Elements {
		if err := el.validate(); err != nil {
			errs = append(errs, fmt.Errorf("element %d: %w", i, err))
			continue
		}
		stages := []*Stage{el.Stage}
		if el.Loop != nil {
			stages = el.Loop.Stages
		}
		for _, s := range stages {
			if err := s.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e Element) validate() error {
	if (e.Stage == nil) == (e.Loop == nil) {
		return fmt.Errorf("%w: element must be exactly one of stage or loop", ErrStageConfig)
	}
	return nil
}

// Run executes every element in order with a fresh store and returns the
// report. Only context cancellation stops it early; it then returns the
// partial report together with ctx.Err().
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	workdir := p.Workdir
	if workdir == "" {
		workdir = "."
	}
	run := NewRun(workdir, p.Executor)
	if p.Extractor != nil {
		run.Extractor = p.Extractor
	}
	run.onEvent = p.OnEvent
	for k, v := range p.Seed {
		run.Store.Set(k, v)
	}
	if p.FileAudit != nil {
		run.Files.SetAuditCallback(p.FileAudit)
	}

	report := &Report{RunID: run.ID, Name: p.Name, StartedAt: time.Now(), Store: run.Store}
	defer func() {
		report.FinishedAt = time.Now()
		report.Extraction = run.Extractor.Stats()
	}()

	timer := logging.StartTimer(logging.CategoryPipeline, "Pipeline "+p.Name)
	defer timer.Stop()
	logging.Pipeline("Run %s started: pipeline %q, %d element(s), workdir %s", run.ID, p.Name, len(p.Elements), workdir)
	run.emit(Event{Kind: EventRunStart, Message: p.Name})

	for _, el := range p.Elements {
		if err := ctx.Err(); err != nil {
			logging.PipelineWarn("Run %s canceled before %s", run.ID, el.Name())
			return report, err
		}
		run.element = el.Name()

		er := ElementResult{Name: el.Name()}
		if err := el.validate(); err != nil {
			logging.PipelineError("Element skipped: %v", err)
			er.Stage = &StageResult{Stage: el.Name(), Skipped: true, Err: err}
		} else if el.Stage != nil {
			sr := el.Stage.Execute(ctx, run, 0)
			er.Stage = &sr
		} else {
			lr := el.Loop.Execute(ctx, run)
			er.Loop = &lr
		}
		report.Elements = append(report.Elements, er)
	}
	run.element = ""

	if err := ctx.Err(); err != nil {
		return report, err
	}
	run.emit(Event{Kind: EventRunFinish, Message: p.Name})
	logging.Pipeline("Run %s finished", run.ID)
	return report, nil
}

// Escalated reports whether the named loop ended by escalation.
func (r *Report) Escalated(loop string) bool {
	for _, el := range r.Elements {
		if el.Loop != nil && el.Loop.Name == loop {
			return el.Loop.Terminal == Escalated
		}
	}
	return false
}

// SkippedStages returns the names of stages skipped for configuration errors.
func (r *Report) SkippedStages() []string {
	var out []string
	add := func(sr StageResult) {
		if sr.Skipped {
			out = append(out, sr.Stage)
		}
	}
	for _, el := range r.Elements {
		if el.Stage != nil {
			add(*el.Stage)
		}
		if el.Loop != nil {
			for _, sr := range el.Loop.Stages {
				add(sr)
			}
		}
	}
	return out
}
