package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"escrowflow/escrowerr"
)

// RetryOptions tunes Retrying. Zero values select the defaults.
type RetryOptions struct {
	Timeout         time.Duration
	MaxElapsed      time.Duration
	MaxTries        uint
	InitialInterval time.Duration
	Logger          *zap.Logger
}

// Retrying bounds every provider call with a timeout and retries transient
// failures with exponential backoff. All attempts of one call share the
// MaxElapsed budget, since callers hold the milestone's row lock while they
// wait. Final failures surface as escrowerr.KindGatewayFailure.
type Retrying struct {
	next       Gateway
	timeout    time.Duration
	maxElapsed time.Duration
	maxTries   uint
	initial  time.Duration
	logger   *zap.Logger
}

var _ Gateway = (*Retrying)(nil)

// NewRetrying wraps next.
func NewRetrying(next Gateway, opts RetryOptions) *Retrying {
	r := &Retrying{
		next:       next,
		timeout:    opts.Timeout,
		maxElapsed: opts.MaxElapsed,
		maxTries:   opts.MaxTries,
		initial:    opts.InitialInterval,
		logger:     opts.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = 3 * time.Second
	}
	if r.maxElapsed <= 0 {
		r.maxElapsed = 5 * time.Second
	}
	if r.maxTries == 0 {
		r.maxTries = 4
	}
	if r.initial <= 0 {
		r.initial = 200 * time.Millisecond
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

func (r *Retrying) CreateFundingIntent(ctx context.Context, req FundingRequest) (FundingIntent, error) {
	return call(ctx, r, "gateway.CreateFundingIntent", req.IdempotencyKey, func(ctx context.Context) (FundingIntent, error) {
		return r.next.CreateFundingIntent(ctx, req)
	})
}

func (r *Retrying) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	return call(ctx, r, "gateway.CreateTransfer", req.IdempotencyKey, func(ctx context.Context) (string, error) {
		return r.next.CreateTransfer(ctx, req)
	})
}

func (r *Retrying) CreateRefund(ctx context.Context, req RefundRequest) (string, error) {
	return call(ctx, r, "gateway.CreateRefund", req.IdempotencyKey, func(ctx context.Context) (string, error) {
		return r.next.CreateRefund(ctx, req)
	})
}

// VerifyEvent is local and never retried.
func (r *Retrying) VerifyEvent(payload []byte, signature string) (Event, error) {
	ev, err := r.next.VerifyEvent(payload, signature)
	if err != nil {
		return Event{}, escrowerr.Wrap(escrowerr.KindInvalidSignature, "gateway.VerifyEvent", err, "webhook signature rejected")
	}
	return ev, nil
}

func call[T any](ctx context.Context, r *Retrying, op, key string, fn func(context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial

	ctx, cancel := context.WithTimeout(ctx, r.maxElapsed)
	defer cancel()

	attempt := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		v, err := fn(callCtx)
		if err != nil && errors.Is(err, ErrDeclined) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithMaxElapsedTime(r.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("gateway call failed, retrying",
				zap.String("op", op),
				zap.String("idempotency_key", key),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		var zero T
		r.logger.Error("gateway call failed",
			zap.String("op", op),
			zap.String("idempotency_key", key),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return zero, escrowerr.Wrap(escrowerr.KindGatewayFailure, op, err, "payment provider call failed")
	}
	return out, nil
}
