package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchGetReturnsLatest(t *testing.T) {
	w := NewWatch("initial")
	require.Equal(t, "initial", w.Get())
	w.Set("updated")
	require.Equal(t, "updated", w.Get())
}

func TestWatchSnapshotSignalsChange(t *testing.T) {
	w := NewWatch(0)
	val, ch, ver := w.Snapshot()
	require.Equal(t, 0, val)
	require.Equal(t, uint64(0), ver)

	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()

	w.Set(1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Snapshot channel never closed")
	}

	newVal, _, newVer := w.Snapshot()
	require.Equal(t, 1, newVal)
	require.Equal(t, uint64(1), newVer)
}

func TestWatchCollapsesIntermediateUpdates(t *testing.T) {
	w := NewWatch(0)
	_, ch, _ := w.Snapshot()
	w.Set(1)
	w.Set(2)
	w.Set(3)

	<-ch
	require.Equal(t, 3, w.Get())
}
