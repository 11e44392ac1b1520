package source

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/kbsync/internal/model"
)

// flexString は文字列または数値のJSON値を文字列として受け取る。
type flexString string

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type summaryPayload struct {
	ID        flexString `json:"id"`
	Title     string     `json:"title"`
	Revision  flexString `json:"revision"`
	UpdatedAt string     `json:"updated_at"`
	MenuRef   flexString `json:"section_id"`
}

func (p summaryPayload) toSummary() model.SourceSummary {
	return model.SourceSummary{
		ID:        string(p.ID),
		Title:     p.Title,
		Revision:  string(p.Revision),
		UpdatedAt: p.UpdatedAt,
		MenuRef:   string(p.MenuRef),
	}
}

type articlePayload struct {
	summaryPayload
	Body   string `json:"body"`
	Text   string `json:"text"`
	Module string `json:"module"`
}

// UnmarshalJSON は{"article": {...}}形式と素のオブジェクトの両方を受け付ける。
func (p *articlePayload) UnmarshalJSON(data []byte) error {
	type plain articlePayload
	var wrapped struct {
		Article *plain `json:"article"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Article != nil {
		*p = articlePayload(*wrapped.Article)
		return nil
	}
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = articlePayload(v)
	return nil
}

func (p articlePayload) toModel() *model.SourceArticle {
	return &model.SourceArticle{
		SourceSummary: p.toSummary(),
		ContentHTML:   p.Body,
		ContentText:   p.Text,
		Module:        p.Module,
	}
}

type searchPayload struct {
	Articles []summaryPayload `json:"articles"`
	Count    int              `json:"count"`
}

// ParseRevision はリビジョン文字列を数値に変換する。数値でなければfalseを返す。
func ParseRevision(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// オフセット付き・オフセット省略のISO-8601形式。省略時はUTCとみなす。
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp はISO-8601形式の日時文字列をUTCに変換する。解釈できなければfalseを返す。
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
