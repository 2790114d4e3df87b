package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusApplyMergesPartialUpdates(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	running := true

	status := Status{}.Apply(StatusUpdate{Running: &running, LastStartAt: start})
	status = status.Apply(StatusUpdate{LastInboundAt: start.Add(time.Minute)})

	require.True(t, status.Running)
	require.Equal(t, start, status.LastStartAt)
	require.Equal(t, start.Add(time.Minute), status.LastInboundAt)
	require.True(t, status.LastStopAt.IsZero())

	stopped := false
	status = status.Apply(StatusUpdate{Running: &stopped, LastStopAt: start.Add(time.Hour)})
	require.False(t, status.Running)
	require.Equal(t, start, status.LastStartAt, "start time survives stop")
}
