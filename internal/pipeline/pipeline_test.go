package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"codeloop/internal/state"
	"codeloop/internal/tactile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedExecutor returns exit codes in order; the last one repeats.
type scriptedExecutor struct {
	exits []int
	calls int
}

func (e *scriptedExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	i := e.calls
	if i >= len(e.exits) {
		i = len(e.exits) - 1
	}
	e.calls++
	code := e.exits[i]
	res := &tactile.ExecutionResult{Success: true, ExitCode: code, Stdout: fmt.Sprintf("call %d\n", e.calls)}
	if code != 0 {
		res.Stderr = fmt.Sprintf("error: exit %d\n", code)
	}
	return res, nil
}

func (e *scriptedExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "scripted"}
}

func (e *scriptedExecutor) Validate(tactile.Command) error { return nil }

// counter is a producer returning a fixed response and counting calls.
type counter struct {
	response string
	calls    int
	views    []state.View
}

func (c *counter) Produce(ctx context.Context, in state.View) (string, error) {
	c.calls++
	c.views = append(c.views, in)
	return c.response, nil
}

func toolStep() *ToolStep {
	return &ToolStep{Commands: []tactile.Command{{Binary: "sh", Arguments: []string{"-c", "true"}}}}
}

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tool steps resolve sh from PATH")
	}
}

func TestLoop_ExhaustsAfterMaxIterations(t *testing.T) {
	requirePOSIX(t)
	for _, n := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", n), func(t *testing.T) {
			writer := &counter{response: "```c\nint x;\n```"}
			exec := &scriptedExecutor{exits: []int{1}}
			p := &Pipeline{
				Name:     "exhaust",
				Workdir:  t.TempDir(),
				Executor: exec,
				Elements: []Element{{Loop: &Loop{
					Name:          "refine",
					MaxIterations: n,
					Stages: []*Stage{
						{Name: "writer", Producer: writer, OutputKey: "code", Mode: ModeSingle, Hint: "c"},
						{Name: "builder", Tool: toolStep(), ToolKey: "build_result"},
					},
				}}},
			}

			report, err := p.Run(context.Background())
			require.NoError(t, err)
			lr := report.Elements[0].Loop
			require.NotNil(t, lr)
			assert.Equal(t, Exhausted, lr.Terminal)
			assert.Equal(t, n, lr.Iterations)
			assert.Equal(t, n, writer.calls)
			assert.Equal(t, n, exec.calls)
			require.NotNil(t, lr.LastTool)
			assert.Equal(t, tactile.ToolError, lr.LastTool.Status)
			assert.False(t, report.Escalated("refine"))
		})
	}
}

func TestLoop_DefaultMaxIterations(t *testing.T) {
	requirePOSIX(t)
	exec := &scriptedExecutor{exits: []int{2}}
	p := &Pipeline{
		Workdir:  t.TempDir(),
		Executor: exec,
		Elements: []Element{{Loop: &Loop{Name: "l", Stages: []*Stage{{Name: "t", Tool: toolStep()}}}}},
	}
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations, report.Elements[0].Loop.Iterations)
	assert.Equal(t, DefaultMaxIterations, exec.calls)
}

func TestLoop_EscalationStopsEarly(t *testing.T) {
	requirePOSIX(t)
	for k := 1; k <= 4; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			exits := make([]int, k)
			for i := range exits {
				exits[i] = 1
			}
			exits[k-1] = 0

			writer := &counter{response: "int y;"}
			after := &counter{response: "never on the escalating iteration"}
			exec := &scriptedExecutor{exits: exits}
			p := &Pipeline{
				Workdir:  t.TempDir(),
				Executor: exec,
				Elements: []Element{{Loop: &Loop{
					Name:          "tests",
					MaxIterations: 5,
					Stages: []*Stage{
						{Name: "test_writer", Producer: writer, OutputKey: "tests", Mode: ModeSingle, Hint: "cpp"},
						{Name: "test_runner", Tool: toolStep()},
						{Name: "after", Producer: after, OutputKey: "after"},
					},
				}}},
			}

			report, err := p.Run(context.Background())
			require.NoError(t, err)
			lr := report.Elements[0].Loop
			assert.Equal(t, Escalated, lr.Terminal)
			assert.Equal(t, "test_runner", lr.EscalatedBy)
			assert.Equal(t, k, lr.Iterations)
			assert.Equal(t, k, writer.calls)
			assert.Equal(t, k-1, after.calls, "stages after the escalating one are skipped")
			assert.True(t, report.Escalated("tests"))
			assert.Equal(t, tactile.ToolSuccess, lr.LastTool.Status)
		})
	}
}

func TestStage_StateFlowsBetweenIterations(t *testing.T) {
	requirePOSIX(t)
	writer := &counter{response: "TEST(A, B) {}"}
	p := &Pipeline{
		Workdir:  t.TempDir(),
		Executor: &scriptedExecutor{exits: []int{1, 0}},
		Elements: []Element{{Loop: &Loop{
			Name: "tests",
			Stages: []*Stage{
				{Name: "test_writer", Producer: writer, Inputs: []string{"code.source", "test_runner_result"}, OutputKey: "tests", Mode: ModeSingle, Hint: "cpp"},
				{Name: "test_runner", Tool: toolStep()},
			},
		}}},
	}

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, writer.views, 2)

	first := writer.views[0]
	assert.False(t, first.Has("test_runner_result"), "no prior result on the first iteration")
	assert.False(t, first.Has("code.source"))
	assert.Equal(t, "", first.String("test_runner_result"))

	second := writer.views[1]
	require.True(t, second.Has("test_runner_result"))
	assert.Contains(t, second.String("test_runner_result"), `"status": "error"`)
	assert.Contains(t, second.String("test_runner_result"), "error: exit 1")
}

func TestPipeline_InvalidStageIsSkipped(t *testing.T) {
	good := &counter{response: "int z;"}
	p := &Pipeline{
		Workdir: t.TempDir(),
		Elements: []Element{
			{Stage: &Stage{Name: "broken", Producer: &counter{response: "x"}, OutputKey: "a", Mode: ModeMulti}},
			{Stage: &Stage{Name: "good", Producer: good, OutputKey: "b", Mode: ModeSingle, Hint: "c"}},
			{},
		},
	}

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Elements, 3)

	broken := report.Elements[0].Stage
	assert.True(t, broken.Skipped)
	assert.True(t, errors.Is(broken.Err, ErrStageConfig))
	assert.Equal(t, 1, good.calls)
	assert.True(t, errors.Is(report.Elements[2].Stage.Err, ErrStageConfig))
	assert.Equal(t, []string{"broken", ""}, report.SkippedStages())

	_, ok := report.Store.Get("a")
	assert.False(t, ok, "a skipped stage stores nothing")
	got, err := report.Store.GetString(state.ArtifactKey("b", "code"))
	require.NoError(t, err)
	assert.Equal(t, "int z;", got)
}

func TestStage_MultiWritesBothFiles(t *testing.T) {
	dir := t.TempDir()
	writer := &counter{response: "```json\n{\"header_file_content\": \"#pragma once\", \"source_file_content\": \"int f(void) { return 1; }\"}\n```"}
	p := &Pipeline{
		Workdir: dir,
		Elements: []Element{{Stage: &Stage{
			Name: "code_writer", Producer: writer, OutputKey: "generated_code", Mode: ModeMulti, Hint: "c",
			Fields: []FieldTarget{
				{Name: "header", Key: "header_file_content", Path: "src/body_app/doorlock_control.h"},
				{Name: "source", Key: "source_file_content", Path: "src/body_app/doorlock_control.c"},
			},
		}}},
	}

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	sr := report.Elements[0].Stage
	assert.False(t, sr.Fallback)
	assert.Empty(t, sr.Warnings)
	if diff := cmp.Diff([]string{"generated_code.header", "generated_code.source"}, sr.Artifacts); diff != "" {
		t.Errorf("artifacts mismatch (-want +got):\n%s", diff)
	}

	h, err := os.ReadFile(filepath.Join(dir, "src/body_app/doorlock_control.h"))
	require.NoError(t, err)
	assert.Equal(t, "#pragma once", string(h))
	assert.FileExists(t, filepath.Join(dir, "src/body_app/doorlock_control.c"))

	raw, err := report.Store.GetString("generated_code")
	require.NoError(t, err)
	assert.Equal(t, writer.response, raw)
}

func TestStage_MultiFallbackPath(t *testing.T) {
	dir := t.TempDir()
	raw := `{"header_file_content":"","source_file_content":"S"}`
	p := &Pipeline{
		Workdir: dir,
		Elements: []Element{{Stage: &Stage{
			Name: "code_writer", Producer: &counter{response: raw}, OutputKey: "generated_code", Mode: ModeMulti, Hint: "c",
			Fields: []FieldTarget{
				{Name: "header", Key: "header_file_content", Path: "src/x.h"},
				{Name: "source", Key: "source_file_content", Path: "src/x.c"},
			},
		}}},
	}

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	sr := report.Elements[0].Stage
	assert.True(t, sr.Fallback)
	assert.Equal(t, []string{"generated_code.fallback"}, sr.Artifacts)

	assert.NoFileExists(t, filepath.Join(dir, "src/x.h"))
	assert.NoFileExists(t, filepath.Join(dir, "src/x.c"))
	got, err := os.ReadFile(filepath.Join(dir, "src/code_writer_fallback.c"))
	require.NoError(t, err)
	assert.Equal(t, raw, string(got))
}

func TestStage_ExplicitFallbackPathAndTemplates(t *testing.T) {
	dir := t.TempDir()
	s := &Stage{
		Name: "refactorer", Producer: &counter{response: "plain text"}, OutputKey: "refactored", Mode: ModeMulti, Hint: "c",
		Fields:       []FieldTarget{{Name: "header", Key: "h", Path: "out/{stage}.h"}},
		FallbackPath: "out/{output_key}_{iteration}.c",
	}
	run := NewRun(dir, nil)

	sr := s.Execute(context.Background(), run, 3)
	require.True(t, sr.Fallback)
	assert.FileExists(t, filepath.Join(dir, "out/refactored_3.c"))
}

func TestStage_ExtractionFailureSkipsWrite(t *testing.T) {
	dir := t.TempDir()
	p := &Pipeline{
		Workdir: dir,
		Elements: []Element{{Stage: &Stage{
			Name: "w", Producer: &counter{response: "```c\nunterminated"}, OutputKey: "out", Mode: ModeSingle, Hint: "c", Path: "a.c",
		}}},
	}
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	sr := report.Elements[0].Stage
	require.Len(t, sr.Warnings, 1)
	assert.True(t, strings.HasPrefix(sr.Warnings[0], "extract:"))
	assert.NoFileExists(t, filepath.Join(dir, "a.c"))
	_, ok := report.Store.Get("out")
	assert.True(t, ok, "raw output is stored even when extraction fails")
	assert.Equal(t, 1, report.Extraction.Failures)
}

func TestStage_ProducerErrorStillRunsTool(t *testing.T) {
	requirePOSIX(t)
	exec := &scriptedExecutor{exits: []int{0}}
	failing := ProducerFunc(func(context.Context, state.View) (string, error) {
		return "", errors.New("quota exceeded")
	})
	p := &Pipeline{
		Workdir:  t.TempDir(),
		Executor: exec,
		Elements: []Element{{Stage: &Stage{Name: "s", Producer: failing, OutputKey: "o", Mode: ModeSingle, Hint: "c", Tool: toolStep()}}},
	}
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	sr := report.Elements[0].Stage
	assert.Contains(t, sr.Warnings[0], "quota exceeded")
	assert.Equal(t, 1, exec.calls)
	assert.True(t, sr.Escalate)

	res, err := state.Lookup[tactile.ToolResult](report.Store, "s_result")
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestStage_MissingToolDirectoryIsData(t *testing.T) {
	p := &Pipeline{
		Workdir: t.TempDir(),
		Elements: []Element{{Loop: &Loop{Name: "l", MaxIterations: 2, Stages: []*Stage{{
			Name: "runner",
			Tool: &ToolStep{Dir: "tests", Commands: []tactile.Command{{Binary: "make", Arguments: []string{"tests"}}}},
		}}}}},
	}
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	lr := report.Elements[0].Loop
	assert.Equal(t, Exhausted, lr.Terminal)
	assert.Contains(t, lr.LastTool.ErrorMessage, "not found or is not a directory")
}

func TestPipeline_CancelBetweenElements(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	second := &counter{response: "x"}
	p := &Pipeline{
		Workdir: t.TempDir(),
		Elements: []Element{
			{Stage: &Stage{Name: "first", OutputKey: "a", Producer: ProducerFunc(func(context.Context, state.View) (string, error) {
				cancel()
				return "a", nil
			})}},
			{Stage: &Stage{Name: "second", Producer: second, OutputKey: "b"}},
		},
	}
	report, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Len(t, report.Elements, 1)
	assert.Zero(t, second.calls)
}

func TestPipeline_Events(t *testing.T) {
	requirePOSIX(t)
	var kinds []EventKind
	var elements []string
	p := &Pipeline{
		Name:     "events",
		Workdir:  t.TempDir(),
		Executor: &scriptedExecutor{exits: []int{1, 0}},
		OnEvent: func(e Event) {
			kinds = append(kinds, e.Kind)
			elements = append(elements, e.Element)
			assert.NotEmpty(t, e.RunID)
		},
		Elements: []Element{
			{Stage: &Stage{Name: "writer", Producer: &counter{response: "x"}, OutputKey: "w"}},
			{Loop: &Loop{Name: "build", Stages: []*Stage{{Name: "builder", Tool: toolStep()}}}},
		},
	}
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	want := []EventKind{
		EventRunStart,
		EventStageStart, EventStageFinish,
		EventIteration, EventStageStart, EventStageFinish,
		EventIteration, EventStageStart, EventStageFinish, EventEscalated,
		EventRunFinish,
	}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "writer", elements[1])
	assert.Equal(t, "build", elements[3])
}

func TestPipeline_IsolatedStores(t *testing.T) {
	p := &Pipeline{
		Workdir:  t.TempDir(),
		Elements: []Element{{Stage: &Stage{Name: "s", Producer: &counter{response: "v"}, OutputKey: "k"}}},
	}
	r1, err := p.Run(context.Background())
	require.NoError(t, err)
	r2, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, r1.RunID, r2.RunID)
	assert.NotSame(t, r1.Store, r2.Store)
}

func TestPipeline_Validate(t *testing.T) {
	p := &Pipeline{Elements: []Element{
		{Stage: &Stage{Name: "ok", Producer: &counter{}, OutputKey: "o"}},
		{Loop: &Loop{Name: "l", Stages: []*Stage{{Name: "bad", Mode: "weird", Producer: &counter{}, OutputKey: "x"}}}},
		{Stage: &Stage{Name: "s"}, Loop: &Loop{Name: "l2"}},
	}}
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageConfig)
	assert.Contains(t, err.Error(), "weird")
	assert.Contains(t, err.Error(), "element 2")
}
