package network

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/safecoord/safecoord/internal/errors"
)

// Policy bounds an exponential retry: at most Attempts calls, with delays
// starting at Initial and capped at Max.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// QueryPolicy is used for read-only queries of the ledger and the store.
var QueryPolicy = Policy{Attempts: 3, Initial: 250 * time.Millisecond, Max: 2 * time.Second}

// PollPolicy is used while waiting for the outcome of an execution.
var PollPolicy = Policy{Attempts: 5, Initial: 500 * time.Millisecond, Max: 4 * time.Second}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.MaxInterval = p.Max
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Retry calls op until it succeeds, returns a non-retryable error, or the
// policy is exhausted. Only errors wrapping errors.ErrNetwork are retried,
// so op must be safe to repeat for those.
func Retry(ctx context.Context, p Policy, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
}

// Poll calls op until it reports done, returns an error, or the policy is
// exhausted. It returns whether op reported done.
func Poll(ctx context.Context, p Policy, op func() (bool, error)) (bool, error) {
	var done bool
	err := backoff.Retry(func() error {
		ok, err := op()
		if err != nil {
			if errors.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !ok {
			return errPending
		}
		done = true
		return nil
	}, p.backOff(ctx))
	if err == errPending {
		return false, nil
	}
	return done, err
}

var errPending = errors.ErrNotFound.New("outcome not yet observed")
