package cosmigrate

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// ErrorClass is the retry classification of a remote failure.
type ErrorClass int

const (
	// ClassNone means the call succeeded.
	ClassNone ErrorClass = iota
	// ClassThrottled means the server asked the caller to slow down.
	ClassThrottled
	// ClassTransient means a network, timeout or 5xx failure.
	ClassTransient
	// ClassFatal means the failure must not be retried.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassThrottled:
		return "throttled"
	case ClassTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Classify maps err onto a retry class. For throttled failures it also
// returns the server-suggested wait.
func Classify(err error) (ErrorClass, time.Duration) {
	if err == nil {
		return ClassNone, 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal, 0
	}
	var te *ThrottledError
	if errors.As(err, &te) {
		return ClassThrottled, te.RetryAfter
	}
	if errors.Is(err, ErrTransientIO) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient, 0
	}
	return ClassFatal, 0
}

// RetryPolicy bounds the retries of a single remote operation.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseBackoff is the first backoff interval.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential part of the delay. A server hint is added on top.
	MaxBackoff time.Duration
	// Multiplier is the exponential growth factor.
	Multiplier float64
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
}

// AttemptEvent describes one attempt of a governed operation.
// Final is set on the event that ends the operation, successful or not.
type AttemptEvent struct {
	Op      string
	Attempt int
	Class   ErrorClass
	Delay   time.Duration
	Err     error
	Final   bool
}

// Governor wraps remote calls with classification and backoff.
// It is safe for concurrent use; every call gets its own backoff state.
type Governor struct {
	policy    RetryPolicy
	sleep     func(ctx context.Context, d time.Duration) error
	onAttempt func(AttemptEvent)
	metrics   *metrics
}

// NewGovernor returns a Governor applying policy.
// onAttempt, when not nil, observes every attempt.
func NewGovernor(policy RetryPolicy, onAttempt func(AttemptEvent)) *Governor {
	if policy.Multiplier < 1 {
		policy.Multiplier = backoff.DefaultMultiplier
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = defaultBaseBackoff
	}
	if policy.MaxBackoff < policy.BaseBackoff {
		policy.MaxBackoff = policy.BaseBackoff
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Governor{
		policy:    policy,
		sleep:     sleepContext,
		onAttempt: onAttempt,
	}
}

// Policy returns the retry policy in use.
func (g *Governor) Policy() RetryPolicy {
	return g.policy
}

func (g *Governor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.policy.BaseBackoff
	b.MaxInterval = g.policy.MaxBackoff
	b.Multiplier = g.policy.Multiplier
	b.RandomizationFactor = g.policy.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (g *Governor) observe(ev AttemptEvent) {
	if ev.Class != ClassNone && !ev.Final {
		g.metrics.observeRetry(ev.Class, ev.Delay)
	}
	if g.onAttempt != nil {
		g.onAttempt(ev)
	}
}

// WithRetry runs f under the governor's policy.
//
// Calls are issued with a context detached from ctx's cancellation so that an
// in-flight call always completes; ctx cancellation stops further attempts and
// interrupts backoff waits. Any failure is returned as a *FatalError wrapping
// the last underlying error.
func WithRetry[T any](ctx context.Context, g *Governor, op string, f func(context.Context) (T, error)) (T, error) {
	var zero T
	callCtx := context.WithoutCancel(ctx)

	var b *backoff.ExponentialBackOff
	var prev time.Duration
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &FatalError{Op: op, Attempts: attempt - 1, Err: err}
		}

		v, err := f(callCtx)
		if err == nil {
			g.observe(AttemptEvent{Op: op, Attempt: attempt, Final: true})
			return v, nil
		}

		class, hint := Classify(err)
		if class == ClassFatal || attempt > g.policy.MaxRetries {
			g.observe(AttemptEvent{Op: op, Attempt: attempt, Class: class, Err: err, Final: true})
			return zero, &FatalError{Op: op, Attempts: attempt, Err: err}
		}

		if b == nil {
			b = g.newBackOff()
		}
		delay := b.NextBackOff()
		if class == ClassThrottled {
			delay += hint
		}
		// repeated failures of the same call never wait less than before.
		if delay < prev {
			delay = prev
		}
		prev = delay

		log.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Str("class", class.String()).
			Dur("delay", delay).
			Err(err).
			Msg("retrying remote call")
		g.observe(AttemptEvent{Op: op, Attempt: attempt, Class: class, Delay: delay, Err: err})

		if err := g.sleep(ctx, delay); err != nil {
			return zero, &FatalError{Op: op, Attempts: attempt, Err: err}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
