package tactile

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"codeloop/internal/logging"
)

// ToolStatus is the outcome of a tool invocation.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ToolResult is the record a tool invocation leaves in the state store.
// It is never mutated once returned.
type ToolResult struct {
	Status       ToolStatus    `json:"status" yaml:"status"`
	Stdout       string        `json:"stdout" yaml:"stdout"`
	Stderr       string        `json:"stderr" yaml:"stderr"`
	ErrorMessage string        `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	ExitCode     int           `json:"exit_code" yaml:"exit_code"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
}

// OK reports whether the tool succeeded.
func (r ToolResult) OK() bool {
	return r.Status == ToolSuccess
}

func errorResult(format string, args ...any) ToolResult {
	return ToolResult{Status: ToolError, ExitCode: -1, ErrorMessage: fmt.Sprintf(format, args...)}
}

// Invocation is a tool step: optional directories to remove first, then
// one or more commands run in order in Dir.
type Invocation struct {
	Dir       string    `yaml:"dir" json:"dir"`
	CleanDirs []string  `yaml:"clean_dirs,omitempty" json:"clean_dirs,omitempty"`
	Commands  []Command `yaml:"commands" json:"commands"`
}

// ToolRunner turns process executions into ToolResults and escalate signals.
// Exit code 0 escalates; everything else is an error result.
type ToolRunner struct {
	executor Executor
	lookPath func(string) (string, error)
	runID    string
}

// NewToolRunner creates a runner over the given executor.
// A nil executor means a DirectExecutor with default config.
func NewToolRunner(executor Executor) *ToolRunner {
	if executor == nil {
		executor = NewDirectExecutor()
	}
	return &ToolRunner{executor: executor, lookPath: exec.LookPath}
}

// SetRunID tags every command with the pipeline run ID.
func (r *ToolRunner) SetRunID(id string) {
	r.runID = id
}

// Run executes cmd in dir. The second return value is the escalate signal
// and is true only when the command ran and exited 0.
func (r *ToolRunner) Run(ctx context.Context, dir string, cmd Command) (res ToolResult, escalate bool) {
	defer func() {
		if p := recover(); p != nil {
			logging.TactileError("Tool %s panicked: %v", cmd.Binary, p)
			res, escalate = errorResult("unexpected fault running %s: %v", cmd.Binary, p), false
		}
	}()

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		logging.TactileWarn("Tool directory %q not usable", dir)
		return errorResult("working directory %q not found or is not a directory", dir), false
	}

	if _, err := r.lookPath(r.resolveBinary(dir, cmd.Binary)); err != nil {
		logging.TactileWarn("Tool not found: %s", cmd.Binary)
		return errorResult("tool not found: the %q command could not be located", cmd.Binary), false
	}

	cmd.WorkingDirectory = dir
	if cmd.RunID == "" {
		cmd.RunID = r.runID
	}
	// A started tool runs to completion or to its own timeout; cancellation
	// is observed between commands, not inside one.
	exe, err := r.executor.Execute(context.WithoutCancel(ctx), cmd)
	if err != nil {
		return errorResult("cannot run %s: %v", cmd.Binary, err), false
	}

	res = ToolResult{
		Stdout:   exe.Stdout,
		Stderr:   exe.Stderr,
		ExitCode: exe.ExitCode,
		Duration: exe.Duration,
	}
	switch {
	case !exe.Success:
		res.Status = ToolError
		res.ErrorMessage = fmt.Sprintf("%s failed: %s", cmd.Binary, exe.Error)
	case exe.Killed:
		res.Status = ToolError
		res.ErrorMessage = fmt.Sprintf("%s killed: %s", cmd.Binary, exe.KillReason)
	case exe.ExitCode != 0:
		res.Status = ToolError
		res.ErrorMessage = fmt.Sprintf("%s exited with code %d", cmd.Binary, exe.ExitCode)
	default:
		res.Status = ToolSuccess
		return res, true
	}
	logging.TactileDebug("Tool %s: %s", cmd.Binary, res.ErrorMessage)
	return res, false
}

// resolveBinary makes a relative path binary ("./build.sh") relative to dir
// so lookup matches what the process will see.
func (r *ToolRunner) resolveBinary(dir, binary string) string {
	if strings.ContainsRune(binary, filepath.Separator) || strings.ContainsRune(binary, '/') {
		if !filepath.IsAbs(binary) {
			return filepath.Join(dir, binary)
		}
	}
	return binary
}

// RunSequence removes inv.CleanDirs, then runs inv.Commands in order,
// stopping at the first failure. Output of every command run is
// concatenated. It escalates only when every command exited 0.
func (r *ToolRunner) RunSequence(ctx context.Context, inv Invocation) (ToolResult, bool) {
	if len(inv.Commands) == 0 {
		return errorResult("no commands configured"), false
	}

	for _, d := range inv.CleanDirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(inv.Dir, d)
		}
		if err := os.RemoveAll(d); err != nil {
			logging.TactileWarn("Failed to clean %s: %v", d, err)
			return errorResult("failed to clean %q: %v", d, err), false
		}
		logging.TactileDebug("Cleaned %s", d)
	}

	var stdout, stderr strings.Builder
	var total time.Duration
	var last ToolResult
	for i, cmd := range inv.Commands {
		if err := ctx.Err(); err != nil {
			last = errorResult("canceled before %s: %v", cmd.Binary, err)
			break
		}
		dir := inv.Dir
		if cmd.WorkingDirectory != "" {
			dir = cmd.WorkingDirectory
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(inv.Dir, dir)
			}
		}
		res, ok := r.Run(ctx, dir, cmd)
		stdout.WriteString(res.Stdout)
		stderr.WriteString(res.Stderr)
		total += res.Duration
		last = res
		if !ok {
			logging.Tactile("Tool sequence stopped at step %d/%d: %s", i+1, len(inv.Commands), res.ErrorMessage)
			break
		}
	}

	last.Stdout = stdout.String()
	last.Stderr = stderr.String()
	last.Duration = total
	return last, last.OK()
}
