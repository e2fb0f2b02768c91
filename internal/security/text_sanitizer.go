// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はIdPのプロフィールやユーザー入力の検索語など、
// プレーンテキストとして保存・表示する値からマークアップを除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキストのサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、前後の空白を取り除いたテキストを返す。
	// 連続する空白は1つにまとめる。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去したプレーンテキストを返す。
// 入力はHTMLではなくテキストとして扱う。文字参照はそのまま残し、
// 閉じられていない"<"はタグの開始とみなさない。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := html.UnescapeString(s.policy.Sanitize(protectText(raw)))
	return strings.Join(strings.Fields(stripped), " ")
}

// protectText はbluemondayに渡す前に、テキストとして残すべき文字をエスケープする。
// "&"は全て、"<"は後続に">"がないものだけを文字参照に置き換える。
func protectText(raw string) string {
	lastGT := strings.LastIndexByte(raw, '>')

	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; {
		case c == '&':
			b.WriteString("&amp;")
		case c == '<' && i > lastGT:
			b.WriteString("&lt;")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
