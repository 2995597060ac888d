package postgres

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/keithlinneman/cardshare/internal/card"
	"github.com/keithlinneman/cardshare/internal/xerrors"
)

// breaker stops hammering a failing database. Domain outcomes such as not
// found or forbidden count as successes.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(opts Options) *breaker {
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        "card-store",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, card.ErrNotFound) ||
				errors.Is(err, card.ErrForbidden) ||
				errors.Is(err, card.ErrConflict)
		},
	}
	if opts.OnBreakerChange != nil {
		st.OnStateChange = func(_ string, from, to gobreaker.State) {
			opts.OnBreakerChange(from.String(), to.String())
		}
	}
	return &breaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// execute runs fn through the breaker, an open breaker maps to card.ErrUnavailable
func execute[T any](b *breaker, fn func() (T, error)) (T, error) {
	var zero T
	v, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, xerrors.Mark(err, card.ErrUnavailable)
	}
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}
