package dedupe_test

import (
	"testing"
	"time"

	"github.com/DeafMist/indication-mapper/backend/internal/dedupe"
	"github.com/stretchr/testify/require"
)

func TestWindowSeenDuplicate(t *testing.T) {
	w := dedupe.NewWindow(10, time.Minute)
	require.False(t, w.IsSeen("dupixent|595f437d"))
	w.MarkSeen("dupixent|595f437d")
	require.True(t, w.IsSeen("dupixent|595f437d"))
	require.Equal(t, 1, w.Len())
}

func TestWindowTTLExpiry(t *testing.T) {
	w := dedupe.NewWindow(10, 20*time.Millisecond)
	w.MarkSeen("beta")
	require.True(t, w.IsSeen("beta"))

	time.Sleep(30 * time.Millisecond)
	require.False(t, w.IsSeen("beta"))
}

func TestWindowCapacityEvictsOldest(t *testing.T) {
	w := dedupe.NewWindow(1, time.Minute)
	w.MarkSeen("first")
	w.MarkSeen("second")

	require.False(t, w.IsSeen("first"))
	require.True(t, w.IsSeen("second"))
	require.Equal(t, 1, w.Len())
}

func TestWindowRemarkRefreshes(t *testing.T) {
	w := dedupe.NewWindow(2, time.Minute)
	w.MarkSeen("a")
	w.MarkSeen("b")

	w.MarkSeen("a")
	w.MarkSeen("c")

	require.True(t, w.IsSeen("a"))
	require.False(t, w.IsSeen("b"))
	require.True(t, w.IsSeen("c"))
}

func TestWindowForget(t *testing.T) {
	w := dedupe.NewWindow(10, time.Minute)
	w.MarkSeen("a")
	w.Forget("a")
	w.Forget("missing")

	require.False(t, w.IsSeen("a"))
	require.Zero(t, w.Len())
}
