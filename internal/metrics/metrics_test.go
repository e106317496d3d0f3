package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_Singleton(t *testing.T) {
	assert.Same(t, New(), New())
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	before := testutil.ToFloat64(m.AdmissionDecisions.WithLabelValues("denied", "global"))
	m.RecordAdmission(false, "global")
	assert.Equal(t, before+1, testutil.ToFloat64(m.AdmissionDecisions.WithLabelValues("denied", "global")))

	m.SetQueueDepth("high", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("high")))

	active := testutil.ToFloat64(m.LocksActive)
	m.RecordLockWait(10 * time.Millisecond)
	assert.Equal(t, active+1, testutil.ToFloat64(m.LocksActive))
	m.RecordLockReleased()
	assert.Equal(t, active, testutil.ToFloat64(m.LocksActive))

	blocked := testutil.ToFloat64(m.BlockedFiles)
	m.RecordResolution("manual_required", true)
	assert.Equal(t, blocked+1, testutil.ToFloat64(m.BlockedFiles))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAdmission(true, "")
		m.RecordWarning("user")
		m.SetQueueDepth("low", 1)
		m.RecordTransition("queued", "running")
		m.RecordRetry()
		m.RecordJobDuration("success", time.Second)
		m.RecordLockWait(time.Millisecond)
		m.RecordLockReleased()
		m.RecordResolution("ai_validated", false)
	})
}
