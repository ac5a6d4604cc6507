package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"codeloop/internal/config"
	"codeloop/internal/pipeline"
)

var forceInit bool

// initCmd writes the default config
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default pipeline config",
	Long: `Writes the built-in C/C++ workflow to --config: a code writer, a
review/refactor/build loop and a test write/run loop. Prompt files are not
created; point each stage's instruction at your own.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

// validateCmd checks configs without running them
var validateCmd = &cobra.Command{
	Use:   "validate [config...]",
	Short: "Check pipeline configs without running them",
	RunE:  runValidate,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config")
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !forceInit {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	cfg := config.DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		paths = []string{configPath}
	}

	var failed int
	for _, path := range paths {
		if err := validateConfig(path); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d config(s) invalid", failed, len(paths))
	}
	return nil
}

func validateConfig(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	p, err := pipeline.Build(cfg, pipeline.BuildOptions{Override: fakeProducer})
	if err != nil {
		return err
	}
	return p.Validate()
}
