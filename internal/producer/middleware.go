package producer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"codeloop/internal/logging"
	"codeloop/internal/state"
)

// Middleware decorates a Producer.
type Middleware func(Producer) Producer

// Wrap applies middlewares so that the first one listed is the outermost.
func Wrap(inner Producer, mws ...Middleware) Producer {
	p := inner
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			p = mws[i](p)
		}
	}
	return p
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Retry gives up on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retry retries Produce up to maxAttempts with exponential backoff starting
// at baseDelay. It stops as soon as ctx is done.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Producer) Producer {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Producer
	max  int
	base time.Duration
}

func (r *retrying) Produce(ctx context.Context, in state.View) (string, error) {
	var last error
	for i := 0; i < r.max; i++ {
		out, err := r.next.Produce(ctx, in)
		if err == nil {
			return out, nil
		}
		var pErr *PermanentError
		if errors.As(err, &pErr) {
			return "", err
		}
		last = err
		if i == r.max-1 {
			break
		}
		delay := r.base * time.Duration(1<<i)
		logging.ProducerWarn("attempt %d/%d failed, retrying in %v: %v", i+1, r.max, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "", fmt.Errorf("giving up after %d attempts: %w", r.max, last)
}

// Timeout bounds every Produce call by d. Zero disables it.
func Timeout(d time.Duration) Middleware {
	return func(next Producer) Producer {
		if d <= 0 {
			return next
		}
		return Func(func(ctx context.Context, in state.View) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Produce(ctx, in)
		})
	}
}

// KeyFunc derives a cache key from a producer's inputs.
type KeyFunc func(in state.View) (string, error)

// PromptKey keys on the rendered prompt. salt separates producers that
// render the same text for different models.
func PromptKey(salt string, p Prompt) KeyFunc {
	return func(in state.View) (string, error) {
		text, err := p.Render(in)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256([]byte(salt + "\x00" + text))
		return hex.EncodeToString(sum[:]), nil
	}
}

// Cache memoizes successful responses in an LRU of the given size. A size
// below one disables it. Calls whose key cannot be derived pass through.
func Cache(size int, key KeyFunc) Middleware {
	return func(next Producer) Producer {
		if size < 1 || key == nil {
			return next
		}
		c, err := lru.New[string, string](size)
		if err != nil {
			logging.ProducerWarn("cache disabled: %v", err)
			return next
		}
		return &caching{next: next, cache: c, key: key}
	}
}

type caching struct {
	next  Producer
	cache *lru.Cache[string, string]
	key   KeyFunc
}

func (c *caching) Produce(ctx context.Context, in state.View) (string, error) {
	k, err := c.key(in)
	if err != nil {
		return c.next.Produce(ctx, in)
	}
	if out, ok := c.cache.Get(k); ok {
		logging.ProducerDebug("cache hit %s", k[:12])
		return out, nil
	}
	out, err := c.next.Produce(ctx, in)
	if err != nil {
		return "", err
	}
	c.cache.Add(k, out)
	return out, nil
}

// Logged logs each call and its outcome under name.
func Logged(name string) Middleware {
	return func(next Producer) Producer {
		return Func(func(ctx context.Context, in state.View) (string, error) {
			timer := logging.StartTimer(logging.CategoryProducer, "produce "+name)
			out, err := next.Produce(ctx, in)
			elapsed := timer.Stop()
			if err != nil {
				logging.ProducerWarn("%s failed after %v: %v", name, elapsed, err)
				return "", err
			}
			logging.ProducerDebug("%s returned %d bytes", name, len(out))
			return out, nil
		})
	}
}
