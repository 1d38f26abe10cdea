package cloudmetrics

import (
	"strings"
	"sync"
)

// Recorder counts the billable lending activity of a deployment. The zero
// state is a no-op; the fx module swaps in a real recorder only in cloud
// mode, so call sites never need wiring.
type Recorder interface {
	RecordCreditApproved(orgID string)
	RecordBillRefreshed(orgID string)
	UpdateActiveCredits(orgID string, count int)
	RecordEngineError(orgID, operation string)
}

type recorder struct {
	metrics      *metrics
	defaultOrgID string
}

type noopRecorder struct{}

func (noopRecorder) RecordCreditApproved(string)      {}
func (noopRecorder) RecordBillRefreshed(string)       {}
func (noopRecorder) UpdateActiveCredits(string, int)  {}
func (noopRecorder) RecordEngineError(string, string) {}

var (
	activeRecorder Recorder = noopRecorder{}
	recorderMu     sync.RWMutex
)

func setRecorder(rec Recorder) {
	if rec == nil {
		return
	}
	recorderMu.Lock()
	activeRecorder = rec
	recorderMu.Unlock()
}

func RecordCreditApproved(orgID string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordCreditApproved(orgID)
}

func RecordBillRefreshed(orgID string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordBillRefreshed(orgID)
}

func UpdateActiveCredits(orgID string, count int) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.UpdateActiveCredits(orgID, count)
}

func RecordEngineError(orgID, operation string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordEngineError(orgID, operation)
}

func (r *recorder) RecordCreditApproved(orgID string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.creditsApproved.WithLabelValues(r.normalizeOrg(orgID)).Inc()
}

func (r *recorder) RecordBillRefreshed(orgID string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.billsRefreshed.WithLabelValues(r.normalizeOrg(orgID)).Inc()
}

func (r *recorder) UpdateActiveCredits(orgID string, count int) {
	if r == nil || r.metrics == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	r.metrics.activeCredits.WithLabelValues(r.normalizeOrg(orgID)).Set(float64(count))
}

func (r *recorder) RecordEngineError(orgID, operation string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.engineErrors.WithLabelValues(r.normalizeOrg(orgID), normalizeLabel(operation)).Inc()
}

func (r *recorder) normalizeOrg(orgID string) string {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		orgID = strings.TrimSpace(r.defaultOrgID)
	}
	if orgID == "" {
		return "unknown"
	}
	return orgID
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
