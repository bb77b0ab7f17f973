// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerTransitions(t *testing.T) {
	cb := New(2*time.Second, 200*time.Millisecond, 0.5, 2)
	require.Equal(t, Closed, cb.State())

	cb.Record(false)
	cb.Record(false)
	require.Equal(t, Open, cb.State())
	require.False(t, cb.Allow(), "should not allow until cooldown elapses")

	time.Sleep(250 * time.Millisecond)
	require.True(t, cb.Allow(), "should allow exactly one probe in half-open")

	cb.Record(true)
	require.Equal(t, Closed, cb.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cb := New(2*time.Second, 50*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	require.Equal(t, Open, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.Record(false)
	require.Equal(t, Open, cb.State(), "a failed probe must reopen the breaker")
}
