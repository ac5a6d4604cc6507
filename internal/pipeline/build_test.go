package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"codeloop/internal/config"
	"codeloop/internal/producer"
	"codeloop/internal/state"
)

type stubGenerator struct{ text string }

func (g stubGenerator) GenerateContent(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{{Text: g.text}}},
	}}}, nil
}

func TestBuild_DefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workdir = t.TempDir()

	p, err := Build(cfg, BuildOptions{Executor: &scriptedExecutor{exits: []int{0}}, Generator: stubGenerator{text: "x"}})
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	require.Len(t, p.Elements, 3)

	writer := p.Elements[0].Stage
	require.NotNil(t, writer)
	assert.Equal(t, ModeMulti, writer.Mode)
	assert.Equal(t, []FieldTarget{
		{Name: "header", Key: "header_file_content", Path: "src/body_app/doorlock_control.h"},
		{Name: "source", Key: "source_file_content", Path: "src/body_app/doorlock_control.c"},
	}, writer.Fields)
	assert.NotNil(t, writer.Producer)

	refine := p.Elements[1].Loop
	require.NotNil(t, refine)
	assert.Equal(t, "code_refinement", refine.Name)
	assert.Equal(t, 5, refine.MaxIterations)
	require.Len(t, refine.Stages, 3)

	builder := refine.Stages[2]
	assert.Nil(t, builder.Producer)
	assert.Equal(t, "build_result", builder.ToolKey)
	require.NotNil(t, builder.Tool)
	assert.Equal(t, []string{"build"}, builder.Tool.CleanDirs)
	require.Len(t, builder.Tool.Commands, 2)
	assert.Equal(t, "cmake", builder.Tool.Commands[1].Binary)
	assert.Equal(t, []string{"--build", "build"}, builder.Tool.Commands[1].Arguments)
	assert.Nil(t, builder.Tool.Commands[1].Limits)

	assert.Empty(t, p.Seed, "requirements.md does not exist in the temp workdir")
}

func TestBuild_GeminiNeedsClient(t *testing.T) {
	_, err := Build(config.DefaultConfig(), BuildOptions{Executor: &scriptedExecutor{exits: []int{0}}})
	assert.ErrorContains(t, err, "gemini provider needs a client")
}

func TestBuild_CommandProviderNeedsArgv(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = config.ProviderCommand
	_, err := Build(cfg, BuildOptions{Executor: &scriptedExecutor{exits: []int{0}}})
	assert.Error(t, err)
}

func TestBuild_ToolTimeoutAndIterationOverride(t *testing.T) {
	cfg := &config.Config{
		Name: "tiny",
		LLM:  config.LLMConfig{Provider: config.ProviderScript},
		Pipeline: config.PipelineConfig{Elements: []config.ElementConfig{
			{Loop: &config.LoopConfig{Name: "l", MaxIterations: 5, Stages: []config.StageConfig{
				{Name: "run", Tool: &config.ToolConfig{Commands: [][]string{{"make"}}, Timeout: "30s"}},
			}}},
		}},
	}

	p, err := Build(cfg, BuildOptions{Executor: &scriptedExecutor{exits: []int{0}}, MaxIterations: 2})
	require.NoError(t, err)
	loop := p.Elements[0].Loop
	assert.Equal(t, 2, loop.MaxIterations)
	cmd := loop.Stages[0].Tool.Commands[0]
	assert.Equal(t, "make", cmd.Binary)
	assert.Empty(t, cmd.Arguments)
	require.NotNil(t, cmd.Limits)
	assert.Equal(t, (30 * time.Second).Milliseconds(), cmd.Limits.TimeoutMs)
}

func TestBuild_ExtractionSettings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Extraction = config.ExtractionConfig{Fields: []string{"body"}, ScanEmbedded: true}
	p, err := Build(cfg, BuildOptions{Executor: &scriptedExecutor{exits: []int{0}}, Generator: stubGenerator{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"body"}, p.Extractor.Fields)
	assert.True(t, p.Extractor.ScanEmbedded)
}

func TestBuild_SeedsFromWorkdir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.md"), []byte("REQ-1"), 0644))
	cfg := config.DefaultConfig()
	cfg.Workdir = dir
	cfg.Seeds["missing"] = "nope.md"

	p, err := Build(cfg, BuildOptions{Executor: &scriptedExecutor{exits: []int{0}}, Generator: stubGenerator{}})
	require.NoError(t, err)
	assert.Equal(t, map[string]state.Value{"requirements": "REQ-1"}, p.Seed)
}

func TestBuild_ScriptedRunEscalates(t *testing.T) {
	requirePOSIX(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.md"), []byte("open on unlock"), 0644))

	cfg := &config.Config{
		Name:    "scripted",
		Workdir: dir,
		Seeds:   map[string]string{"requirements": "requirements.md"},
		LLM:     config.LLMConfig{Provider: config.ProviderScript},
		Pipeline: config.PipelineConfig{Elements: []config.ElementConfig{
			{Stage: &config.StageConfig{
				Name:      "writer",
				Inputs:    []string{"requirements"},
				Responses: []string{"```c\nint v1;\n```"},
				OutputKey: "generated_code",
				Mode:      "single",
				Hint:      "c",
				Path:      "src/app.c",
			}},
			{Loop: &config.LoopConfig{Name: "build_loop", MaxIterations: 4, Stages: []config.StageConfig{
				{
					Name:      "fixer",
					Inputs:    []string{"generated_code.code", "build_result"},
					Responses: []string{"```c\nint v2;\n```", "```c\nint v3;\n```"},
					OutputKey: "generated_code",
					Mode:      "single",
					Hint:      "c",
					Path:      "src/app.c",
				},
				{Name: "builder", ToolKey: "build_result", Tool: &config.ToolConfig{Commands: [][]string{{"sh", "-c", "true"}}}},
			}}},
		}},
	}
	require.NoError(t, cfg.Validate())

	exec := &scriptedExecutor{exits: []int{2, 0}}
	p, err := Build(cfg, BuildOptions{Executor: exec})
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Escalated("build_loop"))
	assert.Equal(t, 2, report.Elements[1].Loop.Iterations)

	data, err := os.ReadFile(filepath.Join(dir, "src/app.c"))
	require.NoError(t, err)
	assert.Equal(t, "int v3;", string(data))

	req, err := report.Store.GetString("requirements")
	require.NoError(t, err)
	assert.Equal(t, "open on unlock", req)
}

func TestBuild_Override(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workdir = t.TempDir()
	var seen []string
	p, err := Build(cfg, BuildOptions{
		Executor: &scriptedExecutor{exits: []int{0}},
		Override: func(sc config.StageConfig) producer.Producer {
			seen = append(seen, sc.Name)
			return producer.NewScript("fake")
		},
	})
	require.NoError(t, err)
	assert.NotNil(t, p.Elements[0].Stage.Producer)
	assert.Equal(t, []string{"code_writer", "code_reviewer", "code_refactorer", "test_writer"}, seen)
	assert.Nil(t, p.Elements[1].Loop.Stages[2].Producer)
	require.NoError(t, p.Validate())
}
