package ledger

import (
	"context"
	"errors"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/monadmesh/meshcore/core/types"
)

// RetryConfig bounds the retry policy around a flaky ledger backend.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	BreakerTimeout  time.Duration
}

// DefaultRetryConfig returns the policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		BreakerTimeout:  30 * time.Second,
	}
}

// RetryingLedger wraps a Ledger with bounded exponential backoff and a
// circuit breaker. Exhausted retries and an open breaker both surface as
// ErrLedgerUnavailable; the caller leaves the task transition pending and
// the sweeper retries later.
type RetryingLedger struct {
	inner   Ledger
	cfg     RetryConfig
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

// NewRetryingLedger wraps inner with the given retry policy.
func NewRetryingLedger(inner Ledger, cfg RetryConfig, logger log.Logger) *RetryingLedger {
	l := logger.With("component", "ledger_retry")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return &RetryingLedger{inner: inner, cfg: cfg, breaker: breaker, logger: l}
}

func (r *RetryingLedger) Escrow(ctx context.Context, from types.Identity, amount types.Amount) (EscrowHandle, error) {
	var handle EscrowHandle
	err := r.execute(ctx, "escrow", func() error {
		h, err := r.inner.Escrow(ctx, from, amount)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	return handle, err
}

func (r *RetryingLedger) Release(ctx context.Context, handle EscrowHandle, to types.Identity) (*Receipt, error) {
	var receipt *Receipt
	err := r.execute(ctx, "release", func() error {
		rc, err := r.inner.Release(ctx, handle, to)
		if err != nil {
			return err
		}
		receipt = rc
		return nil
	})
	return receipt, err
}

func (r *RetryingLedger) Refund(ctx context.Context, handle EscrowHandle) (*Receipt, error) {
	var receipt *Receipt
	err := r.execute(ctx, "refund", func() error {
		rc, err := r.inner.Refund(ctx, handle)
		if err != nil {
			return err
		}
		receipt = rc
		return nil
	})
	return receipt, err
}

func (r *RetryingLedger) Slash(ctx context.Context, node types.Identity, amount types.Amount) (*Receipt, error) {
	var receipt *Receipt
	err := r.execute(ctx, "slash", func() error {
		rc, err := r.inner.Slash(ctx, node, amount)
		if err != nil {
			return err
		}
		receipt = rc
		return nil
	})
	return receipt, err
}

func (r *RetryingLedger) execute(ctx context.Context, op string, call func() error) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = r.cfg.InitialInterval
		policy.MaxInterval = r.cfg.MaxInterval

		attempt := 0
		retryErr := backoff.Retry(func() error {
			attempt++
			if err := call(); err != nil {
				r.logger.Warn("ledger operation failed", "op", op, "attempt", attempt, "error", err)
				return err
			}
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(policy, r.cfg.MaxRetries), ctx))
		return nil, retryErr
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errorsmod.Wrapf(types.ErrLedgerUnavailable, "%s: breaker open", op)
	}
	return errorsmod.Wrapf(types.ErrLedgerUnavailable, "%s: %v", op, err)
}

var _ Ledger = (*RetryingLedger)(nil)
