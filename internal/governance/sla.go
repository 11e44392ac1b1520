package governance

import (
	"time"

	"github.com/hitoshi/kbsync/internal/model"
)

// slaDays は重要度ごとの対応期限（暦日）。
var slaDays = map[model.Severity]int{
	model.SeverityError: 3,
	model.SeverityWarn:  15,
	model.SeverityInfo:  30,
}

// SLA は課題の対応期限を業務タイムゾーンで計算する。
type SLA struct {
	loc *time.Location
}

// NewSLA はSLAを生成する。locがnilの場合はUTCを使う。
func NewSLA(loc *time.Location) *SLA {
	if loc == nil {
		loc = time.UTC
	}
	return &SLA{loc: loc}
}

// DueAt はbaseから重要度に応じた暦日数を加えた期限をUTCで返す。
// 日付の加算は業務タイムゾーン上で行うため、夏時間の切り替えをまたいでも壁時計の時刻が保たれる。
func (s *SLA) DueAt(base time.Time, severity model.Severity) time.Time {
	days, ok := slaDays[severity]
	if !ok {
		days = slaDays[model.SeverityInfo]
	}
	return base.In(s.loc).AddDate(0, 0, days).UTC()
}

// IsOverdue は期限切れかどうかを返す。RESOLVED/IGNOREDの課題は期限切れにならない。
func IsOverdue(now time.Time, due *time.Time, status model.IssueStatus) bool {
	if due == nil || status.Terminal() {
		return false
	}
	return due.Before(now)
}
