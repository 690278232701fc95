package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCounters(t *testing.T) {
	m := New()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded("consumer_gone")

	assert.Equal(t, int64(1), m.ActiveSessions.Load())
	assert.Equal(t, uint64(2), m.TotalSessions.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminations.WithLabelValues("consumer_gone")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.FramesEmitted.Add(3)
	m.ObserveInference(20*time.Millisecond, nil)
	m.ObserveInference(time.Millisecond, errors.New("x"))
	m.Transition("streaming")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "detection_frames_emitted_total 3")
	assert.Contains(t, text, `detection_inference_seconds_count{outcome="ok"} 1`)
	assert.Contains(t, text, `detection_inference_seconds_count{outcome="error"} 1`)
	assert.Contains(t, text, `detection_session_transitions_total{state="streaming"} 1`)
	assert.True(t, strings.Contains(text, "detection_inference_latency_ms 1"))
}
