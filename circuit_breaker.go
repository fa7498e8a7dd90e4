package tio

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/tio/wire"
)

// CircuitBreaker guards the connections to one server.
type CircuitBreaker = gobreaker.CircuitBreaker[struct{}]

// NewCircuitBreakerConfig returns a function that creates circuit breakers for servers.
// Only errors that break a connection count as failures: a server refusing
// a command says nothing about the server's health.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *CircuitBreaker {
	return func(serverAddr string) *CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: isBreakerSuccess,
		}
		return gobreaker.NewCircuitBreaker[struct{}](settings)
	}
}

func isBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return !wire.ShouldCloseConnection(err)
}
