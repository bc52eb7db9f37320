package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TitleSanitizer は記事タイトルから全てのマークアップを除去する。
type TitleSanitizer struct {
	policy *bluemonday.Policy
}

// NewTitleSanitizer はbluemondayのStrictPolicyを使うTitleSanitizerを生成する。
func NewTitleSanitizer() *TitleSanitizer {
	return &TitleSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エンティティを復元して空白を1つにまとめる。
// 結果はJSONに保存するプレーンテキストとして扱う。
func (s *TitleSanitizer) Sanitize(title string) string {
	text := html.UnescapeString(s.policy.Sanitize(title))
	return strings.Join(strings.Fields(text), " ")
}
