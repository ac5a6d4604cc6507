package pipeline

import (
	"context"

	"codeloop/internal/logging"
	"codeloop/internal/tactile"
)

// DefaultMaxIterations bounds a loop with no explicit limit.
const DefaultMaxIterations = 5

// Terminal is the state a loop ends in.
type Terminal string

const (
	// Escalated: a stage's tool succeeded and ended the loop early.
	Escalated Terminal = "escalated"
	// Exhausted: the iteration budget ran out. Not a pipeline failure.
	Exhausted Terminal = "exhausted"
	// Canceled: the run context was canceled between stages.
	Canceled Terminal = "canceled"
)

// Loop runs its stages in order, repeatedly, until a stage escalates or
// MaxIterations is reached.
type Loop struct {
	Name          string
	Stages        []*Stage
	MaxIterations int
}

// LoopResult records a loop execution.
type LoopResult struct {
	Name       string   `json:"name" yaml:"name"`
	Terminal   Terminal `json:"terminal" yaml:"terminal"`
	Iterations int      `json:"iterations" yaml:"iterations"`
	// EscalatedBy names the stage that ended the loop early.
	EscalatedBy string              `json:"escalated_by,omitempty" yaml:"escalated_by,omitempty"`
	Stages      []StageResult       `json:"stages" yaml:"stages"`
	LastTool    *tactile.ToolResult `json:"last_tool,omitempty" yaml:"last_tool,omitempty"`
}

func (l *Loop) maxIterations() int {
	if l.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return l.MaxIterations
}

// Execute runs the loop to a terminal state. An escalating stage ends the
// loop immediately; the stages after it in that iteration do not run.
func (l *Loop) Execute(ctx context.Context, run *Run) LoopResult {
	res := LoopResult{Name: l.Name}
	limit := l.maxIterations()

	for i := 1; i <= limit; i++ {
		res.Iterations = i
		run.emit(Event{Kind: EventIteration, Element: l.Name, Iteration: i})
		logging.PipelineDebug("Loop %s: iteration %d/%d", l.Name, i, limit)

		for _, s := range l.Stages {
			if err := ctx.Err(); err != nil {
				logging.PipelineWarn("Loop %s canceled at iteration %d: %v", l.Name, i, err)
				res.Terminal = Canceled
				return res
			}
			sr := s.Execute(ctx, run, i)
			res.Stages = append(res.Stages, sr)
			if sr.Tool != nil {
				res.LastTool = sr.Tool
			}
			if sr.Escalate {
				res.Terminal = Escalated
				res.EscalatedBy = s.Name
				logging.Pipeline("Loop %s escalated by %s at iteration %d", l.Name, s.Name, i)
				run.emit(Event{Kind: EventEscalated, Element: l.Name, Stage: s.Name, Iteration: i})
				return res
			}
		}
	}

	res.Terminal = Exhausted
	msg := "no tool result"
	if res.LastTool != nil {
		msg = "last tool: " + string(res.LastTool.Status)
		if res.LastTool.ErrorMessage != "" {
			msg += " (" + res.LastTool.ErrorMessage + ")"
		}
	}
	logging.PipelineWarn("Loop %s exhausted after %d iterations, %s", l.Name, limit, msg)
	run.emit(Event{Kind: EventExhausted, Element: l.Name, Iteration: limit, Message: msg})
	return res
}
