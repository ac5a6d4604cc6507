package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"codeloop/internal/articulation"
	"codeloop/internal/config"
	"codeloop/internal/logging"
	"codeloop/internal/producer"
	"codeloop/internal/state"
	"codeloop/internal/tactile"
)

// BuildOptions supplies the runtime pieces a config cannot carry.
type BuildOptions struct {
	// Executor runs tool commands and command producers. Nil builds a
	// DirectExecutor from the execution config.
	Executor tactile.Executor
	// Generator backs the gemini provider.
	Generator producer.Generator
	// Override replaces the configured producer of a producing stage
	// when it returns a non-nil producer.
	Override func(stage config.StageConfig) producer.Producer
	// MaxIterations overrides every loop's limit when positive.
	MaxIterations int
}

// Build turns a loaded config into a runnable pipeline. Stage-level problems
// are left for Stage.Validate to report at run time; Build fails only when
// a producer cannot be constructed at all.
func Build(cfg *config.Config, opts BuildOptions) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if opts.Executor == nil {
		opts.Executor = tactile.NewDirectExecutorWithConfig(cfg.ExecutorConfig())
	}

	b := &builder{cfg: cfg, opts: opts}
	p := &Pipeline{
		Name:      cfg.Name,
		Workdir:   cfg.Workdir,
		Executor:  opts.Executor,
		Extractor: newExtractor(cfg.Extraction),
	}

	seed, err := b.seeds()
	if err != nil {
		return nil, err
	}
	p.Seed = seed

	for _, el := range cfg.Pipeline.Elements {
		switch {
		case el.Stage != nil && el.Loop != nil:
			// Keep the malformed element so the run reports it as skipped.
			p.Elements = append(p.Elements, Element{Stage: &Stage{Name: el.Stage.Name}, Loop: &Loop{Name: el.Loop.Name}})
		case el.Stage != nil:
			s, err := b.stage(*el.Stage)
			if err != nil {
				return nil, err
			}
			p.Elements = append(p.Elements, Element{Stage: s})
		case el.Loop != nil:
			l, err := b.loop(*el.Loop)
			if err != nil {
				return nil, err
			}
			p.Elements = append(p.Elements, Element{Loop: l})
		default:
			p.Elements = append(p.Elements, Element{})
		}
	}

	logging.PipelineDebug("Built pipeline %q: %d element(s), provider %s", p.Name, len(p.Elements), cfg.LLM.Provider)
	return p, nil
}

// seeds reads the configured seed files. A missing file leaves its key
// absent, which stages treat as "no prior artifact".
func (b *builder) seeds() (map[string]state.Value, error) {
	if len(b.cfg.Seeds) == 0 {
		return nil, nil
	}
	out := make(map[string]state.Value, len(b.cfg.Seeds))
	for key, path := range b.cfg.Seeds {
		data, err := os.ReadFile(b.resolve(path))
		if errors.Is(err, fs.ErrNotExist) {
			logging.PipelineWarn("Seed %s: %s not found, leaving it absent", key, path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read seed %s: %w", key, err)
		}
		out[key] = string(data)
	}
	return out, nil
}

func newExtractor(c config.ExtractionConfig) *articulation.Extractor {
	e := articulation.NewExtractor()
	if len(c.Fields) > 0 {
		e.Fields = append([]string(nil), c.Fields...)
	}
	e.ScanEmbedded = c.ScanEmbedded
	return e
}

type builder struct {
	cfg  *config.Config
	opts BuildOptions
}

func (b *builder) loop(lc config.LoopConfig) (*Loop, error) {
	l := &Loop{Name: lc.Name, MaxIterations: lc.MaxIterations}
	if b.opts.MaxIterations > 0 {
		l.MaxIterations = b.opts.MaxIterations
	}
	for _, sc := range lc.Stages {
		s, err := b.stage(sc)
		if err != nil {
			return nil, err
		}
		l.Stages = append(l.Stages, s)
	}
	return l, nil
}

func (b *builder) stage(sc config.StageConfig) (*Stage, error) {
	s := &Stage{
		Name:         sc.Name,
		Inputs:       append([]string(nil), sc.Inputs...),
		OutputKey:    sc.OutputKey,
		Mode:         Mode(sc.Mode),
		Hint:         sc.Hint,
		Path:         sc.Path,
		FallbackPath: sc.FallbackPath,
		ToolKey:      sc.ToolKey,
	}
	for _, f := range sc.Fields {
		s.Fields = append(s.Fields, FieldTarget{Name: f.Name, Key: f.Key, Path: f.Path})
	}
	if sc.Tool != nil {
		s.Tool = buildToolStep(*sc.Tool)
	}

	p, err := b.producer(sc)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", sc.Name, err)
	}
	if p != nil {
		s.Producer = p
	}
	return s, nil
}

func buildToolStep(tc config.ToolConfig) *ToolStep {
	inv := &ToolStep{Dir: tc.Dir, CleanDirs: append([]string(nil), tc.CleanDirs...)}
	var limits *tactile.ResourceLimits
	if d := tc.GetTimeout(); d > 0 {
		limits = &tactile.ResourceLimits{TimeoutMs: d.Milliseconds()}
	}
	for _, argv := range tc.Commands {
		cmd := tactile.Command{Limits: limits}
		if len(argv) > 0 {
			cmd.Binary = argv[0]
			cmd.Arguments = append([]string(nil), argv[1:]...)
		}
		inv.Commands = append(inv.Commands, cmd)
	}
	return inv
}

// producer picks the stage's producer. Canned responses win over the
// configured provider so a single stage can be scripted inside a live run.
func (b *builder) producer(sc config.StageConfig) (producer.Producer, error) {
	if !sc.HasProducer() {
		return nil, nil
	}
	if b.opts.Override != nil {
		if p := b.opts.Override(sc); p != nil {
			return producer.Wrap(p, producer.Logged(sc.Name)), nil
		}
	}
	if len(sc.Responses) > 0 {
		return producer.Wrap(producer.NewScript(sc.Responses...), producer.Logged(sc.Name)), nil
	}

	llm := b.cfg.LLM
	prompt := producer.Prompt{InstructionFile: b.resolve(sc.Instruction)}
	model := llm.Model
	if sc.Model != "" {
		model = sc.Model
	}

	var inner producer.Producer
	switch llm.Provider {
	case config.ProviderGemini:
		if b.opts.Generator == nil {
			return nil, fmt.Errorf("gemini provider needs a client")
		}
		inner = producer.NewGenAI(b.opts.Generator, model, prompt)
	case config.ProviderCommand:
		cmd, err := producer.NewCommand(b.opts.Executor, llm.Command, b.cfg.Workdir, b.cfg.GetLLMTimeout(), prompt)
		if err != nil {
			return nil, err
		}
		inner = cmd
		model = llm.Command[0]
	case config.ProviderScript:
		return nil, fmt.Errorf("script provider needs responses")
	default:
		return nil, fmt.Errorf("unknown llm provider %q", llm.Provider)
	}

	return producer.Wrap(inner,
		producer.Logged(sc.Name),
		producer.Cache(llm.CacheSize, producer.PromptKey(model, prompt)),
		producer.Retry(llm.Retries, b.cfg.GetRetryDelay()),
		producer.Timeout(b.cfg.GetLLMTimeout()),
	), nil
}

func (b *builder) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || b.cfg.Workdir == "" {
		return path
	}
	return filepath.Join(b.cfg.Workdir, path)
}
