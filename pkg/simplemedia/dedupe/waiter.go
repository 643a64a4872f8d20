// Package dedupe waits for a concurrent upload of identical bytes to finish.
package dedupe

import (
	"context"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Policy bounds how long and how often the waiter polls.
type Policy struct {
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy returns the polling policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:        10 * time.Second,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ClockFunc returns the current time.
type ClockFunc func() time.Time

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Waiter polls the repository until the row owning a content hash is ready.
type Waiter struct {
	repo   simplemedia.Repository
	policy Policy
	sleep  SleepFunc
	clock  ClockFunc
}

// Option configures a Waiter.
type Option func(*Waiter)

func WithPolicy(p Policy) Option {
	return func(w *Waiter) { w.policy = p }
}

func WithSleep(fn SleepFunc) Option {
	return func(w *Waiter) { w.sleep = fn }
}

func WithClock(fn ClockFunc) Option {
	return func(w *Waiter) { w.clock = fn }
}

// New returns a Waiter reading from repo.
func New(repo simplemedia.Repository, opts ...Option) *Waiter {
	w := &Waiter{
		repo:   repo,
		policy: DefaultPolicy(),
		sleep:  Sleep,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait is WaitForReady with the waiter's configured policy, sleep and clock.
func (w *Waiter) Wait(ctx context.Context, contentHash string) (*simplemedia.Asset, error) {
	return w.WaitForReady(ctx, contentHash, w.policy, w.sleep, w.clock)
}

// WaitForReady returns the ready row for contentHash. It returns
// ErrPending once more than policy.Timeout has elapsed by clock, and
// ErrNotFound when no live row exists (the owner gave up).
// Backoff doubles after every sleep, capped at policy.MaxBackoff.
func (w *Waiter) WaitForReady(ctx context.Context, contentHash string, policy Policy, sleep SleepFunc, clock ClockFunc) (*simplemedia.Asset, error) {
	start := clock()
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	for {
		a, err := w.repo.GetByHash(ctx, contentHash)
		if err != nil {
			if simplemedia.IsNotFound(err) {
				return nil, simplemedia.NewError(simplemedia.CodeNotFound, "dedupe.wait", "content_hash="+contentHash, err)
			}
			return nil, simplemedia.NewError(simplemedia.CodeStorageError, "dedupe.wait", "", err)
		}
		if a.IsReady() {
			return a, nil
		}
		if clock().Sub(start) > policy.Timeout {
			return nil, simplemedia.NewError(simplemedia.CodePending, "dedupe.wait", "content_hash="+contentHash, nil)
		}
		if err := sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
}
