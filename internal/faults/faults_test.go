package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, Timeout, KindOf(New(Timeout, "no response")))
	require.Equal(t, NoRoute, KindOf(fmt.Errorf("outer: %w", New(NoRoute, "gone"))))
	require.Equal(t, Cancelled, KindOf(context.Canceled))
	require.Equal(t, Timeout, KindOf(context.DeadlineExceeded))
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{NoRoute, true},
		{QueueFull, true},
		{Timeout, true},
		{Malformed, false},
		{Cancelled, false},
		{Expired, false},
		{BreakerOpen, false},
		{Exhausted, false},
		{StateConflict, false},
		{Unavailable, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			require.Equal(t, tt.retryable, IsRetryable(New(tt.kind, "x")))
		})
	}
}

func TestIsRetryable_HandlerErrorHonorsHint(t *testing.T) {
	f := New(HandlerError, "handler said no")
	require.False(t, IsRetryable(f))
	f.Retryable = true
	require.True(t, IsRetryable(f))
}

func TestIsRetryable_NonFault(t *testing.T) {
	require.False(t, IsRetryable(errors.New("plain")))
	require.False(t, IsRetryable(nil))
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("connection refused")
	f := Wrap(Timeout, cause, "no response from %s", "pricing-1")

	require.ErrorIs(t, f, cause)
	require.Contains(t, f.Error(), "timeout")
	require.Contains(t, f.Error(), "pricing-1")
	require.Contains(t, f.Error(), "connection refused")
}

func TestWithDestinationAndHistory(t *testing.T) {
	f := New(Exhausted, "used up").
		WithDestination("pricing-1").
		WithHistory([]Attempt{{Number: 1, Err: "timeout"}, {Number: 2, Err: "timeout", Terminal: true}})

	require.Equal(t, "pricing-1", f.Destination)
	require.Len(t, f.History, 2)
	require.True(t, f.History[1].Terminal)
}

func TestIsKind(t *testing.T) {
	require.True(t, IsKind(New(QueueFull, "full"), QueueFull))
	require.False(t, IsKind(New(QueueFull, "full"), Timeout))
}
