package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := New(reg, "test")
	require.NoError(t, err)

	r.ToolCall("shell", false, 10*time.Millisecond)
	r.ToolCall("shell", true, 20*time.Millisecond)
	r.ToolCall("shell", true, 5*time.Millisecond)
	r.ProcessFinished("blocking", "completed")
	r.BackgroundStarted()
	r.BackgroundStarted()
	r.BackgroundEnded()
	r.SandboxWrap("bwrap", "confined")
	r.BarrierWait()

	assert.Equal(t, 1.0, testutil.ToFloat64(r.toolCalls.WithLabelValues("shell", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.toolCalls.WithLabelValues("shell", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.processes.WithLabelValues("blocking", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runningProcs))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sandboxWraps.WithLabelValues("bwrap", "confined")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.barrierWaits))
}

func TestRecorderDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, "dup")
	require.NoError(t, err)
	_, err = New(reg, "dup")
	assert.Error(t, err)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ToolCall("x", false, time.Second)
	r.ProcessFinished("background", "killed")
	r.BackgroundStarted()
	r.BackgroundEnded()
	r.SandboxWrap("none", "passthrough")
	r.BarrierWait()
}
