package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

func TestDelay(t *testing.T) {
	tests := []struct {
		strategy types.RetryStrategy
		count    int
		want     time.Duration
	}{
		{types.RetryImmediate, 1, 0},
		{types.RetryImmediate, 5, 0},
		{types.RetryLinearBackoff, 1, 2 * time.Second},
		{types.RetryLinearBackoff, 3, 6 * time.Second},
		{types.RetryExponentialBackoff, 0, time.Second},
		{types.RetryExponentialBackoff, 1, 2 * time.Second},
		{types.RetryExponentialBackoff, 3, 8 * time.Second},
		{types.RetryCircuitBreaker, 1, 10 * time.Second},
		{types.RetryCircuitBreaker, 5, 50 * time.Second},
		{types.RetryCircuitBreaker, 6, 60 * time.Second},
		{types.RetryCircuitBreaker, 20, 60 * time.Second},
		{"UNKNOWN", 2, 4 * time.Second},
		{types.RetryLinearBackoff, -1, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			assert.Equal(t, tt.want, NewPolicy(DefaultUnit).Delay(tt.strategy, tt.count))
		})
	}
}

func TestPolicyUnit(t *testing.T) {
	p := NewPolicy(time.Millisecond)
	assert.Equal(t, 8*time.Millisecond, p.Delay(types.RetryExponentialBackoff, 3))
	assert.Equal(t, 4*time.Millisecond, p.Delay(types.RetryLinearBackoff, 2))

	assert.Equal(t, DefaultUnit, NewPolicy(0).Unit)

	huge := p.Delay(types.RetryExponentialBackoff, 500)
	assert.Equal(t, time.Duration(1<<30)*time.Millisecond, huge)
}
