package metrics

import "testing"

// Prometheus registration is global, so tests share one enabled instance.
var testMetrics = New(true)

func TestEnabledRecordsDoNotPanic(t *testing.T) {
	testMetrics.RecordRefreshAttempt("success", 0.05)
	testMetrics.RecordRefreshAttempt("terminal", 0.01)
	testMetrics.RecordRefreshShared()
	testMetrics.RecordAuthRetry()
	testMetrics.RecordHardLogout("logged out")
	testMetrics.RecordStoreEvent("signal")
}

func TestDisabledIsNoOp(t *testing.T) {
	m := New(false)

	// None of these may touch the nil collectors.
	m.RecordRefreshAttempt("success", 0.05)
	m.RecordRefreshShared()
	m.RecordAuthRetry()
	m.RecordHardLogout("logged out")
	m.RecordStoreEvent("record")
}
