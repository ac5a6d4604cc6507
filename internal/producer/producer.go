// Package producer holds the stage producers: the Gemini client, the
// scripted and external-command stand-ins, and the middleware chain that
// wraps them with retries and caching.
//
// Every producer renders a prompt from the stage instruction and the stage's
// declared inputs, then returns whatever text came back. Interpreting that
// text is the extraction engine's job, not the producer's.
package producer

import (
	"context"
	"errors"

	"codeloop/internal/state"
)

// ErrEmptyResponse is returned when a backend answers with no text.
var ErrEmptyResponse = errors.New("producer: empty response")

// Producer turns a stage's inputs into raw text.
type Producer interface {
	Produce(ctx context.Context, in state.View) (string, error)
}

// Func adapts a function to Producer.
type Func func(ctx context.Context, in state.View) (string, error)

func (f Func) Produce(ctx context.Context, in state.View) (string, error) {
	return f(ctx, in)
}
