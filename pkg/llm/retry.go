package llm

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// Policy is an exponential backoff retry policy with jitter. The zero
// value performs a single attempt with no retries.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy matches the configured provider retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     4 * time.Second,
	}
}

// Do invokes fn until it succeeds, the error is not retryable, the
// attempt budget is spent, or ctx is done. Every attempt outcome is
// recorded in log when non-nil.
func (p Policy) Do(ctx context.Context, log *RetryLog, operation string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if log != nil && attempt > 1 {
				log.Record(RetryRecord{
					Operation: operation,
					Attempt:   attempt,
					Succeeded: true,
					Timestamp: time.Now(),
				})
			}
			return nil
		}
		lastErr = err

		retryable := Retryable(err)
		if log != nil {
			log.Record(RetryRecord{
				Operation: operation,
				Attempt:   attempt,
				Error:     err.Error(),
				Retryable: retryable,
				Timestamp: time.Now(),
			})
		}
		if !retryable || attempt == attempts {
			break
		}

		select {
		case <-time.After(p.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// backoff returns the delay before the next attempt: exponential in the
// attempt number, capped at MaxDelay, with up to 25% positive jitter.
func (p Policy) backoff(attempt int) time.Duration {
	delay := p.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// Retryable reports whether an error class is worth another attempt:
// transient transport failures and provider throttling or overload.
// Context cancellation and deadline expiry are never retryable; the
// session deadline owns those.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"rate limit",
		"429",
		"502",
		"503",
		"overloaded",
		"abort",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
