package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestRecordSyncRun_CountsAndObservesDuration は同期実行の件数と所要時間が記録されることを検証する。
func TestRecordSyncRun_CountsAndObservesDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSyncRun("FULL", "SUCCESS", 2*time.Second)
	c.RecordSyncRun("FULL", "SUCCESS", 4*time.Second)
	c.RecordSyncRun("FULL", "FAILED", time.Second)

	m := findMetric(t, reg, "kbsync_sync_runs_total", map[string]string{"mode": "FULL", "status": "SUCCESS"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("sync_runs_total{FULL,SUCCESS} = %v, want 2", got)
	}

	h := findMetric(t, reg, "kbsync_sync_run_duration_seconds", map[string]string{"mode": "FULL"})
	if got := h.GetHistogram().GetSampleCount(); got != 3 {
		t.Errorf("sample count = %d, want 3", got)
	}
	if got := h.GetHistogram().GetSampleSum(); got != 7 {
		t.Errorf("sample sum = %v, want 7", got)
	}
}

// TestRecordSyncItem_ByOutcome は結果ラベル別にカウントされることを検証する。
func TestRecordSyncItem_ByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSyncItem("NEW")
	c.RecordSyncItem("NEW")
	c.RecordSyncItem("NOT_FOUND")

	if got := findMetric(t, reg, "kbsync_sync_items_total", map[string]string{"outcome": "NEW"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("items{NEW} = %v, want 2", got)
	}
	if got := findMetric(t, reg, "kbsync_sync_items_total", map[string]string{"outcome": "NOT_FOUND"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("items{NOT_FOUND} = %v, want 1", got)
	}
}

// TestRecordLockConflict_IncrementsCounter はロック競合カウンタが増加することを検証する。
func TestRecordLockConflict_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLockConflict()

	if got := findMetric(t, reg, "kbsync_sync_lock_conflicts_total", nil).GetCounter().GetValue(); got != 1 {
		t.Errorf("lock_conflicts_total = %v, want 1", got)
	}
}

// TestRecordIssueTransition_ByTypeAndAction は課題遷移が種別・アクション別に記録されることを検証する。
func TestRecordIssueTransition_ByTypeAndAction(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIssueTransition("DUPLICATE_CONTENT", "CREATED")
	c.RecordIssueTransition("DUPLICATE_CONTENT", "REOPENED")

	m := findMetric(t, reg, "kbsync_issue_transitions_total", map[string]string{"type": "DUPLICATE_CONTENT", "action": "CREATED"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("issue_transitions{DUPLICATE_CONTENT,CREATED} = %v, want 1", got)
	}
}

// TestRecordSourceStatus_ByStatusCode はステータスコード別に記録されることを検証する。
func TestRecordSourceStatus_ByStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSourceStatus(503)
	c.RecordSourceStatus(503)

	if got := findMetric(t, reg, "kbsync_source_http_status_total", map[string]string{"status_code": "503"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("source_http_status{503} = %v, want 2", got)
	}
}

// TestNop_DoesNotPanic はNopが全メソッドで安全に呼び出せることを検証する。
func TestNop_DoesNotPanic(t *testing.T) {
	var c MetricsCollector = Nop{}
	c.RecordSyncRun("FULL", "SUCCESS", time.Second)
	c.RecordSyncItem("NEW")
	c.RecordLockConflict()
	c.RecordIssueTransition("X", "Y")
	c.RecordSourceStatus(200)
}
