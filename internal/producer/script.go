package producer

import (
	"context"
	"sync"

	"codeloop/internal/state"
)

// Script replays canned responses, one per call. Once exhausted the last
// response repeats.
type Script struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

// NewScript creates a scripted producer.
func NewScript(responses ...string) *Script {
	return &Script{responses: append([]string(nil), responses...)}
}

func (s *Script) Produce(ctx context.Context, _ state.View) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return "", ErrEmptyResponse
	}
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i], nil
}

// Calls returns how many times Produce has been called.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
