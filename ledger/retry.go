package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Options bounds how hard the engine tries before giving up.
type Options struct {
	// MaxAttempts is the total number of tries for one operation when the
	// store reports per-subject contention.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OperationTimeout is the budget for one operation including retries.
	// An operation that exceeds it has no effect and fails with ErrTimeout.
	OperationTimeout time.Duration

	// VerifyOnWrite replays the buyer's log inside every mutation and
	// freezes the balance on divergence.
	VerifyOnWrite bool
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:      5,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       250 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	return o
}

// execute runs fn under the operation time budget, retrying contention with
// exponential backoff. Every other error is returned as-is on first sight.
func (e *Engine) execute(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.opts.OperationTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.opts.InitialBackoff
	policy.MaxInterval = e.opts.MaxBackoff
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.opts.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn(ctx)
		if err == nil || errors.Is(err, ErrConcurrentModification) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, wait time.Duration) {
		e.metrics.conflict(op)
		e.logger.Debug("retrying after contention",
			zap.String("operation", op),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	})

	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		err = &TransientError{Op: op, Attempts: attempts, Err: ErrTimeout}
	case errors.Is(err, ErrConcurrentModification):
		err = &TransientError{Op: op, Attempts: attempts, Err: err}
	}

	e.metrics.observe(op, err, time.Since(start).Seconds())
	return err
}
