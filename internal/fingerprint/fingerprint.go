// Package fingerprint は記事本文の正規化とコンテンツハッシュの計算を提供する。
// 全ての関数は状態を持たず、並行に呼び出しても安全である。
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Normalize は前後の空白を除去し、小文字化し、連続する空白を1つの半角スペースにまとめる。
// 空白のみの入力は空文字列になる。
func Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	// cases.Caserはステートを持つため呼び出しごとに生成する
	lower := cases.Lower(language.Und).String(text)
	return strings.Join(strings.Fields(lower), " ")
}

// Hash は正規化済みテキストのSHA-256ダイジェストを16進64文字で返す。
// 空文字列の場合はnilを返す。
func Hash(normalized string) *string {
	if normalized == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(normalized))
	h := hex.EncodeToString(sum[:])
	return &h
}

// HashText はNormalizeとHashを続けて適用する。
func HashText(text string) *string {
	return Hash(Normalize(text))
}

// CleanLength は正規化後のバイト長を返す。
func CleanLength(text string) int {
	return len(Normalize(text))
}

// ExtractText はHTMLからテキストノードのみを取り出す。
// script/style要素の中身は含めない。
func ExtractText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}

	var buf bytes.Buffer
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))
	skip := 0

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return buf.String()
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if isSkippedElement(string(name)) {
				skip++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if isSkippedElement(string(name)) && skip > 0 {
				skip--
			}
			buf.WriteByte(' ')
		case html.SelfClosingTagToken:
			buf.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				buf.Write(tokenizer.Text())
			}
		}
	}
}

func isSkippedElement(name string) bool {
	return name == "script" || name == "style"
}

// ContentText はHTML本文とプレーンテキスト本文から比較用のテキストを決める。
// テキスト本文が実質空の場合はHTMLから抽出したテキストを使う。
func ContentText(contentHTML, contentText string) string {
	if CleanLength(contentText) > 0 {
		return contentText
	}
	return ExtractText(contentHTML)
}

// IsEmptyContent はHTMLとテキストの両方が実質空かどうかを返す。
func IsEmptyContent(contentHTML, contentText string) bool {
	return CleanLength(contentText) == 0 && CleanLength(ExtractText(contentHTML)) == 0
}
