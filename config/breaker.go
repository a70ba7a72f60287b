package config

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

var (
	datastoreBreaker     *gobreaker.CircuitBreaker
	datastoreBreakerOnce sync.Once
)

// GetDatastoreBreaker returns the process-wide breaker guarding MySQL calls.
// isFailure decides which errors count toward tripping; row-level failures
// (duplicate keys, missing rows) must not open the breaker.
//
// Set via env:
// - DATASTORE_BREAKER_FAILURES (default 5 consecutive failures)
// - DATASTORE_BREAKER_TIMEOUT (default 30s open state)
func GetDatastoreBreaker(isFailure func(error) bool) *gobreaker.CircuitBreaker {
	datastoreBreakerOnce.Do(func() {
		datastoreBreaker = NewDatastoreBreaker("mysql-datastore", isFailure)
	})
	return datastoreBreaker
}

func NewDatastoreBreaker(name string, isFailure func(error) bool) *gobreaker.CircuitBreaker {
	threshold := uint32(intFromEnv("DATASTORE_BREAKER_FAILURES", 5))
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     durationFromEnv("DATASTORE_BREAKER_TIMEOUT", 30*time.Second),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil || isFailure == nil {
				return err == nil
			}
			return !isFailure(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			GetLogger().WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
}
