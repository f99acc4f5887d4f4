// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は利用者が入力した文字列をメール本文・件名に
// 埋め込む前に無害化する。bluemondayのStrictPolicyで全てのタグを除去し、
// プレーンテキストとして扱える文字列を返す。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はテキスト無害化のインターフェースを定義する。
type ContentSanitizerService interface {
	// SanitizeText はHTMLタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	// script, styleなどの要素は中身ごと除去される。
	// エンティティはデコードされるため "Tom &amp; Jerry" は "Tom & Jerry" になる。
	// 内部の空白や改行はそのまま残す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText はHTMLを除去したプレーンテキストを返す。
func (s *contentSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)
