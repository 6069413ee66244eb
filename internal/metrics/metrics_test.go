package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	require.GreaterOrEqual(t, timer.Duration(), 20*time.Millisecond)
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_observe_duration_seconds",
		Help: "scratch histogram for timer tests",
	})
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)
}

func TestHandlerIsNotNil(t *testing.T) {
	require.NotNil(t, Handler())
}
