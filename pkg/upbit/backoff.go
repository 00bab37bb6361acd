package upbit

import (
	"errors"
	"fmt"
	"time"
)

// ErrGaveUp is returned once every reconnect attempt has failed.
var ErrGaveUp = errors.New("upbit: reconnect attempts exhausted")

// Backoff describes an exponential delay: Base, 2*Base, 4*Base, ... capped at Max.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is used by both stream clients.
var DefaultBackoff = Backoff{
	Base:        time.Second,
	Max:         30 * time.Second,
	MaxAttempts: 10,
}

// DefaultRetry applies to idempotent REST calls.
var DefaultRetry = Backoff{
	Base:        500 * time.Millisecond,
	Max:         5 * time.Second,
	MaxAttempts: 3,
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

type waitFunc func(d time.Duration, done <-chan struct{}) bool

func sleepOrDone(d time.Duration, done <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

// retry waits Delay(n) before the n-th call to connect. It stops on the
// first success, when done closes, or after MaxAttempts failures.
func (b Backoff) retry(done <-chan struct{}, wait waitFunc, connect func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if !wait(b.Delay(attempt), done) {
			return errors.New("upbit: reconnect cancelled")
		}
		if lastErr = connect(attempt); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, b.MaxAttempts, lastErr)
}
