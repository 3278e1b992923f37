package backend

import (
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/metrics"
)

type breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[*Response]
}

func newBreaker(name string, failures uint32, open time.Duration) *breaker {
	if failures == 0 {
		failures = 5
	}
	if open <= 0 {
		open = 30 * time.Second
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("event", "breaker_state").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &breaker{name: name, cb: cb}
}

func (b *breaker) execute(fn func() (*Response, error)) (*Response, error) {
	resp, err := b.cb.Execute(fn)
	switch {
	case err == nil:
		metrics.BackendRequests.WithLabelValues(b.name, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.BackendRequests.WithLabelValues(b.name, "rejected").Inc()
	default:
		metrics.BackendRequests.WithLabelValues(b.name, "failure").Inc()
	}
	return resp, err
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
