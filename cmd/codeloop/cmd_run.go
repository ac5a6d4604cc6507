package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codeloop/internal/config"
	"codeloop/internal/logging"
	"codeloop/internal/pipeline"
	"codeloop/internal/producer"
)

var (
	snapshotDir   string
	maxIterations int
	fakeProducers bool
)

// runCmd runs one or more pipelines
var runCmd = &cobra.Command{
	Use:   "run [config...]",
	Short: "Run pipelines to completion",
	Long: `Runs every given pipeline config (or --config) once. Several configs run
in parallel, each with its own state store.

Example:
  codeloop run
  codeloop run --fake --snapshot .codeloop doorlock.yaml wiper.yaml`,
	RunE: runPipelines,
}

func init() {
	runCmd.Flags().StringVar(&snapshotDir, "snapshot", "", "Write each run's final state as YAML into this directory")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Override every loop's iteration limit")
	runCmd.Flags().BoolVar(&fakeProducers, "fake", false, "Replace model calls with canned responses")
}

func runPipelines(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		paths = []string{configPath}
	}

	ctx, cancel := signalContext()
	defer cancel()

	reports := make([]*pipeline.Report, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			report, err := runConfig(ctx, path)
			reports[i] = report
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			return nil
		})
	}
	err := g.Wait()

	out := cmd.OutOrStdout()
	for _, r := range reports {
		if r != nil {
			printReport(out, r)
		}
	}
	return err
}

// runConfig loads, builds and runs the pipeline in path.
func runConfig(ctx context.Context, path string) (*pipeline.Report, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	opts := pipeline.BuildOptions{MaxIterations: maxIterations}
	switch {
	case fakeProducers:
		opts.Override = fakeProducer
	case cfg.LLM.Provider == config.ProviderGemini:
		client, err := producer.NewGenAIClient(ctx, cfg.LLM.APIKey)
		if err != nil {
			return nil, err
		}
		opts.Generator = client.Models
	}

	p, err := pipeline.Build(cfg, opts)
	if err != nil {
		return nil, err
	}
	p.OnEvent = eventLogger(logger.With(zap.String("pipeline", cfg.Name)))

	report, runErr := p.Run(ctx)
	if snapshotDir != "" && report != nil {
		name := cfg.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		snap := filepath.Join(snapshotDir, name+".state.yaml")
		if err := report.Store.WriteSnapshot(snap); err != nil {
			logging.PipelineError("Snapshot failed: %v", err)
		} else {
			logging.Pipeline("Snapshot written to %s", snap)
		}
	}
	return report, runErr
}

func eventLogger(l *zap.Logger) func(pipeline.Event) {
	return func(e pipeline.Event) {
		fields := []zap.Field{zap.String("event", string(e.Kind)), zap.String("run", e.RunID)}
		if e.Element != "" {
			fields = append(fields, zap.String("element", e.Element))
		}
		if e.Stage != "" {
			fields = append(fields, zap.String("stage", e.Stage))
		}
		if e.Iteration > 0 {
			fields = append(fields, zap.Int("iteration", e.Iteration))
		}
		msg := e.Message
		if msg == "" {
			msg = string(e.Kind)
		}
		switch e.Kind {
		case pipeline.EventStageSkipped, pipeline.EventExhausted:
			l.Warn(msg, fields...)
		case pipeline.EventStageStart, pipeline.EventIteration:
			l.Debug(msg, fields...)
		default:
			l.Info(msg, fields...)
		}
	}
}

// fakeProducer answers every producing stage with text shaped like a real
// reply for its mode, so a pipeline can be dry-run offline.
func fakeProducer(sc config.StageConfig) producer.Producer {
	switch sc.Mode {
	case "multi":
		obj := make(map[string]string, len(sc.Fields))
		for _, f := range sc.Fields {
			obj[f.Key] = fmt.Sprintf("/* %s: %s placeholder */", sc.Name, f.Name)
		}
		data, _ := json.MarshalIndent(obj, "", "  ")
		return producer.NewScript("```json\n" + string(data) + "\n```")
	case "single":
		return producer.NewScript(fmt.Sprintf("```%s\n/* %s placeholder */\n```", sc.Hint, sc.Name))
	default:
		return producer.NewScript(fmt.Sprintf("No findings from %s.", sc.Name))
	}
}

func printReport(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "Pipeline %s (run %s) finished in %v\n", r.Name, r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, el := range r.Elements {
		switch {
		case el.Loop != nil:
			l := el.Loop
			line := fmt.Sprintf("  loop %-20s %s after %d iteration(s)", l.Name, l.Terminal, l.Iterations)
			if l.EscalatedBy != "" {
				line += " by " + l.EscalatedBy
			}
			fmt.Fprintln(w, line)
		case el.Stage != nil:
			s := el.Stage
			status := "ok"
			if s.Skipped {
				status = "skipped"
				if s.Err != nil {
					status += ": " + s.Err.Error()
				}
			} else if len(s.Warnings) > 0 {
				status = strings.Join(s.Warnings, "; ")
			}
			fmt.Fprintf(w, "  stage %-19s %s\n", s.Stage, status)
		}
	}
	st := r.Extraction
	fmt.Fprintf(w, "  extraction: %d total, %d fenced, %d structured, %d multi, %d raw, %d failed\n",
		st.Total, st.FencedLanguage+st.FencedGeneric, st.Structured, st.MultiValid, st.Raw, st.Failures)
	if st.MultiFallback > 0 {
		fmt.Fprintf(w, "  multi-artifact fallbacks: %d\n", st.MultiFallback)
	}
}
