package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codeloop/internal/articulation"
	"codeloop/internal/config"
	"codeloop/internal/pipeline"
	"codeloop/internal/state"
)

const demoConfig = `name: demo
workdir: .
llm:
  provider: gemini
pipeline:
  elements:
    - stage:
        name: writer
        instruction: prompts/writer.md
        output_key: generated_code
        mode: single
        hint: c
        path: src/app.c
    - loop:
        name: build_loop
        max_iterations: 3
        stages:
          - name: builder
            tool_key: build_result
            tool:
              commands:
                - ["sh", "-c", "test -f src/app.c"]
`

func setup(t *testing.T) string {
	t.Helper()
	logger = zap.NewNop()
	dir := t.TempDir()
	prevConfig, prevFake, prevSnap := configPath, fakeProducers, snapshotDir
	t.Cleanup(func() {
		configPath, fakeProducers, snapshotDir = prevConfig, prevFake, prevSnap
	})
	return dir
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	return cmd, out
}

func TestInitThenValidate(t *testing.T) {
	dir := setup(t)
	configPath = filepath.Join(dir, "codeloop.yaml")

	cmd, out := newTestCmd()
	require.NoError(t, runInit(cmd, nil))
	assert.Contains(t, out.String(), "Wrote")

	err := runInit(cmd, nil)
	assert.ErrorContains(t, err, "already exists")

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "doorlock_control", cfg.Name)

	cmd, out = newTestCmd()
	require.NoError(t, runValidate(cmd, nil))
	assert.Contains(t, out.String(), "ok")
}

func TestValidateReportsBadConfig(t *testing.T) {
	dir := setup(t)
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("llm:\n  provider: carrier-pigeon\n"), 0644))

	cmd, out := newTestCmd()
	err := runValidate(cmd, []string{bad, filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 2")
	assert.Contains(t, out.String(), "carrier-pigeon")
}

func TestRunFake(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tool step uses sh")
	}
	dir := setup(t)
	path := filepath.Join(dir, "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(demoConfig), 0644))
	fakeProducers = true
	snapshotDir = filepath.Join(dir, "state")

	cmd, out := newTestCmd()
	require.NoError(t, runPipelines(cmd, []string{path}))

	report := out.String()
	assert.Contains(t, report, "Pipeline demo")
	assert.Contains(t, report, "escalated after 1 iteration(s) by builder")

	code, err := os.ReadFile(filepath.Join(dir, "src", "app.c"))
	require.NoError(t, err)
	assert.Equal(t, "/* writer placeholder */", string(code))

	snap, err := os.ReadFile(filepath.Join(snapshotDir, "demo.state.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(snap), "build_result")
}

func TestPrintReportExtractionTotals(t *testing.T) {
	e := articulation.NewExtractor()
	_, _ = e.ExtractMulti(`{"header_file_content":"H","source_file_content":"S"}`, []articulation.Field{
		{Name: "header", Key: "header_file_content"},
		{Name: "source", Key: "source_file_content"},
	}, "c")
	_, _ = e.ExtractMulti("```c\nint x;\n```", []articulation.Field{{Name: "header", Key: "header_file_content"}}, "c")

	start := time.Now()
	var out bytes.Buffer
	printReport(&out, &pipeline.Report{Name: "demo", RunID: "r1", StartedAt: start, FinishedAt: start, Extraction: e.Stats()})
	assert.Contains(t, out.String(), "extraction: 2 total, 1 fenced, 0 structured, 1 multi, 0 raw, 0 failed")
	assert.Contains(t, out.String(), "multi-artifact fallbacks: 1")
}

func TestExtractSingle(t *testing.T) {
	setup(t)
	prevHint, prevFields := extractHint, extractFields
	t.Cleanup(func() { extractHint, extractFields = prevHint, prevFields })
	extractHint, extractFields = "c", nil

	cmd, out := newTestCmd()
	cmd.SetIn(strings.NewReader("Here you go:\n```c\nint main(void) { return 0; }\n```\n"))
	require.NoError(t, runExtract(cmd, nil))
	assert.Equal(t, "int main(void) { return 0; }\n", out.String())
}

func TestExtractMulti(t *testing.T) {
	setup(t)
	prevHint, prevFields := extractHint, extractFields
	t.Cleanup(func() { extractHint, extractFields = prevHint, prevFields })
	extractHint, extractFields = "c", []string{"header=h", "source=s"}

	cmd, out := newTestCmd()
	cmd.SetIn(strings.NewReader(`{"h": "#pragma once", "s": "int x;"}`))
	require.NoError(t, runExtract(cmd, nil))
	assert.Equal(t, "== header ==\n#pragma once\n== source ==\nint x;\n", out.String())
}

func TestParseFields(t *testing.T) {
	got := parseFields([]string{"header=header_file_content", "code"})
	require.Len(t, got, 2)
	assert.Equal(t, "header", got[0].Name)
	assert.Equal(t, "header_file_content", got[0].Key)
	assert.Equal(t, "code", got[1].Name)
	assert.Equal(t, "code", got[1].Key)
}

func TestFakeProducerShapes(t *testing.T) {
	multi := config.StageConfig{Name: "w", Mode: "multi", Fields: []config.FieldConfig{{Name: "header", Key: "h"}}}
	out, err := fakeProducer(multi).Produce(t.Context(), emptyView())
	require.NoError(t, err)
	assert.Contains(t, out, `"h": "/* w: header placeholder */"`)

	none := config.StageConfig{Name: "r"}
	out, err = fakeProducer(none).Produce(t.Context(), emptyView())
	require.NoError(t, err)
	assert.Equal(t, "No findings from r.", out)
}

func emptyView() state.View {
	return state.New().View()
}
