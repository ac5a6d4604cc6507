package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"codeloop/internal/config"
	"codeloop/internal/logging"
	"codeloop/internal/watch"
)

var watchFiles []string

// watchCmd re-runs a pipeline when its inputs change
var watchCmd = &cobra.Command{
	Use:   "watch [config]",
	Short: "Re-run a pipeline whenever its input files change",
	Long: `Runs the pipeline once, then again every time one of the watched files
is saved. Without --on, the config's seed files are watched.

Example:
  codeloop watch doorlock.yaml --on examples/requirements.md`,
	Args: cobra.MaximumNArgs(1),
	RunE: watchPipeline,
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchFiles, "on", nil, "Files whose changes trigger a run")
	watchCmd.Flags().BoolVar(&fakeProducers, "fake", false, "Replace model calls with canned responses")
	watchCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Override every loop's iteration limit")
}

func watchPipeline(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	files := watchFiles
	if len(files) == 0 {
		files = seedFiles(cfg)
	}
	if len(files) == 0 {
		return fmt.Errorf("nothing to watch: pass --on or declare seeds")
	}

	ctx, cancel := signalContext()
	defer cancel()

	out := cmd.OutOrStdout()
	trigger := func(ctx context.Context, changed string) {
		report, err := runConfig(ctx, path)
		if report != nil {
			printReport(out, report)
		}
		if err != nil {
			logging.PipelineError("Run after change to %s failed: %v", changed, err)
		}
	}

	w, err := watch.New(files, trigger)
	if err != nil {
		return err
	}
	trigger(ctx, path)
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	logging.Boot("Watching %v", files)
	<-ctx.Done()
	return nil
}

func seedFiles(cfg *config.Config) []string {
	var files []string
	for _, p := range cfg.Seeds {
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Workdir, p)
		}
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}
