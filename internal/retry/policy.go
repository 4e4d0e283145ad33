// Package retry resolves backoff delays between task attempts
package retry

import (
	"time"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// DefaultUnit is the length of one backoff step
const DefaultUnit = time.Second

const (
	linearStep        = 2
	circuitBreakerCap = 60
	circuitStep       = 10
	// caps the exponent so delays cannot overflow time.Duration
	maxExponent = 30
)

// Policy computes delays in multiples of Unit
type Policy struct {
	Unit time.Duration
}

// NewPolicy returns a policy with the given unit, falling back to DefaultUnit
func NewPolicy(unit time.Duration) Policy {
	if unit <= 0 {
		unit = DefaultUnit
	}
	return Policy{Unit: unit}
}

// Delay returns how long to wait before the next attempt, given the number of
// failures recorded so far:
//
//	IMMEDIATE            0
//	LINEAR_BACKOFF       count*2
//	EXPONENTIAL_BACKOFF  2^count
//	CIRCUIT_BREAKER      min(60, count*10)
//
// Unknown strategies behave like EXPONENTIAL_BACKOFF.
func (p Policy) Delay(strategy types.RetryStrategy, retryCount int) time.Duration {
	unit := p.Unit
	if unit <= 0 {
		unit = DefaultUnit
	}
	if retryCount < 0 {
		retryCount = 0
	}

	switch strategy {
	case types.RetryImmediate:
		return 0
	case types.RetryLinearBackoff:
		return time.Duration(retryCount*linearStep) * unit
	case types.RetryCircuitBreaker:
		return time.Duration(min(circuitBreakerCap, retryCount*circuitStep)) * unit
	default:
		return time.Duration(int64(1)<<min(retryCount, maxExponent)) * unit
	}
}
