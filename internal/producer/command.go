package producer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codeloop/internal/state"
	"codeloop/internal/tactile"
)

// Command pipes the rendered prompt into an external program and returns
// what it prints. Any local LLM CLI that reads stdin can act as a producer.
type Command struct {
	executor tactile.Executor
	argv     []string
	dir      string
	timeout  time.Duration
	prompt   Prompt
}

// NewCommand creates a command producer. argv[0] is the binary.
func NewCommand(executor tactile.Executor, argv []string, dir string, timeout time.Duration, prompt Prompt) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("producer command is empty")
	}
	if executor == nil {
		executor = tactile.NewDirectExecutor()
	}
	return &Command{
		executor: executor,
		argv:     append([]string(nil), argv...),
		dir:      dir,
		timeout:  timeout,
		prompt:   prompt,
	}, nil
}

func (c *Command) Produce(ctx context.Context, in state.View) (string, error) {
	text, err := c.prompt.Render(in)
	if err != nil {
		return "", Permanent(err)
	}

	cmd := tactile.Command{
		Binary:           c.argv[0],
		Arguments:        c.argv[1:],
		WorkingDirectory: c.dir,
		Stdin:            text,
	}
	if c.timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: c.timeout.Milliseconds()}
	}

	result, err := c.executor.Execute(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("producer command %s: %w", c.argv[0], err)
	}
	if result.Killed {
		return "", fmt.Errorf("producer command %s killed: %s", c.argv[0], result.KillReason)
	}
	if result.Error != "" {
		return "", fmt.Errorf("producer command %s: %s", c.argv[0], result.Error)
	}
	if result.ExitCode != 0 {
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = "no stderr"
		}
		return "", fmt.Errorf("producer command %s exited with code %d: %s", c.argv[0], result.ExitCode, msg)
	}
	if strings.TrimSpace(result.Stdout) == "" {
		return "", fmt.Errorf("producer command %s: %w", c.argv[0], ErrEmptyResponse)
	}
	return result.Stdout, nil
}
