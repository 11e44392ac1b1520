package model

import (
	"errors"
	"testing"
	"time"
)

func TestParseSyncMode(t *testing.T) {
	tests := []struct {
		input   string
		want    SyncMode
		wantErr bool
	}{
		{input: "FULL", want: SyncModeFull},
		{input: "delta_window", want: SyncModeDeltaWindow},
		{input: "delta-surgical", want: SyncModeDeltaSurgical},
		{input: " full ", want: SyncModeFull},
		{input: "partial", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSyncMode(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSyncMode) {
					t.Fatalf("expected ErrInvalidSyncMode, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseSyncMode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSyncConfig_Validate(t *testing.T) {
	zero := 0
	seven := 7

	tests := []struct {
		name    string
		cfg     SyncConfig
		wantErr bool
	}{
		{name: "既定値は有効", cfg: DefaultSyncConfig()},
		{name: "遡及日数あり", cfg: SyncConfig{DefaultMode: SyncModeDeltaWindow, IntervalMinutes: 60, DefaultDaysBack: &seven}},
		{name: "間隔0は無効", cfg: SyncConfig{DefaultMode: SyncModeFull, IntervalMinutes: 0}, wantErr: true},
		{name: "遡及日数0は無効", cfg: SyncConfig{DefaultMode: SyncModeFull, IntervalMinutes: 5, DefaultDaysBack: &zero}, wantErr: true},
		{name: "不明なモード", cfg: SyncConfig{DefaultMode: "HOURLY", IntervalMinutes: 5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSyncCounters_Add(t *testing.T) {
	c := SyncCounters{Processed: 1, Synced: 1}
	c.Add(SyncCounters{Processed: 2, Updated: 1, Errors: 1})
	want := SyncCounters{Processed: 3, Synced: 1, Updated: 1, Errors: 1}
	if c != want {
		t.Errorf("Add result = %+v, want %+v", c, want)
	}
}

func validIssue() *GovernanceIssue {
	due := time.Now().Add(24 * time.Hour)
	return &GovernanceIssue{
		ArticleID: "a1",
		Type:      IssueTypeReviewRequired,
		Severity:  SeverityInfo,
		Status:    IssueStatusOpen,
		SlaDueAt:  &due,
	}
}

// TestGovernanceIssue_Validate_IgnoredRequiresReason はIGNOREDかつ理由なしの課題が拒否されることを検証する。
func TestGovernanceIssue_Validate_IgnoredRequiresReason(t *testing.T) {
	issue := validIssue()
	issue.Status = IssueStatusIgnored

	if err := issue.Validate(); !errors.Is(err, ErrIgnoredReasonRequired) {
		t.Fatalf("expected ErrIgnoredReasonRequired, got %v", err)
	}

	blank := "   "
	issue.IgnoredReason = &blank
	if err := issue.Validate(); !errors.Is(err, ErrIgnoredReasonRequired) {
		t.Fatalf("expected ErrIgnoredReasonRequired for blank reason, got %v", err)
	}

	reason := "false positive"
	issue.IgnoredReason = &reason
	if err := issue.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGovernanceIssue_Validate_RequiresSLA(t *testing.T) {
	issue := validIssue()
	issue.SlaDueAt = nil
	if err := issue.Validate(); err == nil {
		t.Fatal("expected error when sla_due_at is missing")
	}
}

func TestIssueStatus_Terminal(t *testing.T) {
	for _, s := range []IssueStatus{IssueStatusResolved, IssueStatusIgnored} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []IssueStatus{IssueStatusOpen, IssueStatusAssigned, IssueStatusInProgress} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestEvidence_ValueAndScan(t *testing.T) {
	ev := Evidence{"hash": "abc", "article_ids": []any{"a", "b"}}
	v, err := ev.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var out Evidence
	if err := out.Scan([]byte(v.(string))); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if out["hash"] != "abc" {
		t.Errorf("hash = %v, want abc", out["hash"])
	}

	var empty Evidence
	if err := empty.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Scan(nil) = %v, want empty map", empty)
	}
}

func TestAPIError_Error(t *testing.T) {
	err := NewIssueNotFoundError("x")
	if got := err.Error(); got == "" || err.Code != ErrCodeIssueNotFound {
		t.Errorf("unexpected APIError: %q (%s)", got, err.Code)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated", 5, "trunc"},
		{"日本語のメッセージ", 3, "日本語"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
