package breaker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// S5: three consecutive failures trip the breaker before iteration 4.
func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(3, false)

	require.True(t, b.Allow())
	b.RecordFailure()
	require.True(t, b.Allow())
	b.RecordFailure()
	require.True(t, b.Allow())
	b.RecordFailure()

	require.False(t, b.Allow())
	require.Equal(t, 1, b.Trips())
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := New(3, false)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	require.Equal(t, 0, b.Failures())

	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.Allow())
}

func TestBreakerForceBypassesRejection(t *testing.T) {
	b := New(3, true)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.Allow())
	// The counter still increments even though Allow never rejects.
	require.Equal(t, 1, b.Trips())
}

func TestDefaultThresholdAppliedWhenNonPositive(t *testing.T) {
	b := New(0, false)
	require.Equal(t, DefaultThreshold, b.threshold)
}
