package provider

import (
	"context"
	"errors"
	"time"

	"fairway-cloud/logging"
	"fairway-cloud/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// ResilienceConfig bounds every provider call.
type ResilienceConfig struct {
	CallTimeout     time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RatePerSecond   float64
	Burst           int
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Resilient wraps a Provider with per-call timeouts, bounded retries of
// transient failures, pacing, and a shared circuit breaker.
type Resilient struct {
	inner   Provider
	cfg     ResilienceConfig
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter
}

func NewResilient(inner Provider, cfg ResilienceConfig) *Resilient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	settings := gobreaker.Settings{
		Name:        "calendar-provider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only outages trip the breaker; a 404 or a bad cursor is a healthy answer.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(float64(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("provider circuit breaker state changed")
		},
	}

	return &Resilient{
		inner:   inner,
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// BreakerState reports the breaker state for health output.
func (r *Resilient) BreakerState() string {
	return r.breaker.State().String()
}

func call[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialBackoff
	policy.MaxInterval = r.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.MaxAttempts-1)), ctx)

	attempt := func() (T, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		res, err := r.breaker.Execute(func() (any, error) {
			callCtx := ctx
			if r.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
				defer cancel()
			}
			return fn(callCtx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return zero, backoff.Permanent(&Error{Op: op, Kind: ErrTransient, Err: err})
			}
			if ctx.Err() == nil && IsRetryable(err) {
				return zero, err
			}
			return zero, backoff.Permanent(err)
		}
		return res.(T), nil
	}

	res, err := backoff.RetryNotifyWithData(attempt, retry, func(err error, wait time.Duration) {
		metrics.ProviderRetries.WithLabelValues(op).Inc()
		logging.Debug().Err(err).Str("op", op).Dur("wait", wait).Msg("retrying provider call")
	})
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(op, resultLabel(err)).Inc()
		return zero, err
	}
	metrics.ProviderCalls.WithLabelValues(op, "ok").Inc()
	return res, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCursorInvalid):
		return "cursor_invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}

func (r *Resilient) CreateEvent(ctx context.Context, cred Credential, ev Event) (Event, error) {
	return call(ctx, r, "create_event", func(ctx context.Context) (Event, error) {
		return r.inner.CreateEvent(ctx, cred, ev)
	})
}

func (r *Resilient) UpdateEvent(ctx context.Context, cred Credential, ev Event) (Event, error) {
	return call(ctx, r, "update_event", func(ctx context.Context) (Event, error) {
		return r.inner.UpdateEvent(ctx, cred, ev)
	})
}

func (r *Resilient) DeleteEvent(ctx context.Context, cred Credential, eventID string) error {
	_, err := call(ctx, r, "delete_event", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.DeleteEvent(ctx, cred, eventID)
	})
	return err
}

func (r *Resilient) ListEvents(ctx context.Context, cred Credential, cursor string, since time.Time) (ChangeSet, error) {
	return call(ctx, r, "list_events", func(ctx context.Context) (ChangeSet, error) {
		return r.inner.ListEvents(ctx, cred, cursor, since)
	})
}

func (r *Resilient) FreeBusy(ctx context.Context, cred Credential, from, to time.Time) ([]TimeRange, error) {
	return call(ctx, r, "freebusy", func(ctx context.Context) ([]TimeRange, error) {
		return r.inner.FreeBusy(ctx, cred, from, to)
	})
}

func (r *Resilient) WatchEvents(ctx context.Context, cred Credential, req WatchRequest) (Channel, error) {
	return call(ctx, r, "watch_events", func(ctx context.Context) (Channel, error) {
		return r.inner.WatchEvents(ctx, cred, req)
	})
}

func (r *Resilient) StopChannel(ctx context.Context, cred Credential, channelID, resourceID string) error {
	_, err := call(ctx, r, "stop_channel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.StopChannel(ctx, cred, channelID, resourceID)
	})
	return err
}
