// Package security は外部連携とミラー保存時の安全対策を提供する。
package security

import "github.com/microcosm-cc/bluemonday"

// HTMLSanitizer はミラーに保存する記事HTMLをサニタイズする。
type HTMLSanitizer interface {
	Sanitize(rawHTML string) string
}

// ArticleSanitizer はナレッジベース記事向けの許可リストでHTMLをサニタイズする。
// 見出し・表・コードブロックなど記事の構造は残し、script/iframe/style/on*属性は除去する。
type ArticleSanitizer struct {
	policy *bluemonday.Policy
}

var _ HTMLSanitizer = (*ArticleSanitizer)(nil)

// NewArticleSanitizer はArticleSanitizerを生成する。
func NewArticleSanitizer() *ArticleSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "hr", "div", "span",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "dl", "dt", "dd",
		"blockquote", "pre", "code", "kbd",
		"strong", "em", "b", "i", "u", "sub", "sup",
		"table", "thead", "tbody", "tfoot", "tr", "caption",
	)
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")
	p.AllowElements("td", "th")

	// 記事間リンクは相対パスで書かれることが多い
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	p.AllowAttrs("src", "alt", "width", "height").OnElements("img")
	p.AllowURLSchemes("http", "https", "mailto")

	return &ArticleSanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズする。同一入力には常に同一出力を返す。
func (s *ArticleSanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}
