package referral

import (
	"fmt"
	"strings"

	"github.com/hitoshi/courseref/internal/mail"
	"github.com/hitoshi/courseref/internal/model"
	"github.com/hitoshi/courseref/internal/security"
)

const (
	notificationSubject = "%s has referred you to a course!"
	notificationBody    = "Hello %s,\n\n%s (%s) has referred you to the \"%s\" course. Check it out!"
)

// ComposeNotification は被紹介者へ送る紹介通知メールを組み立てる。
// 名前やコース名は利用者の入力なので、sanitizerが指定されていればタグを除去してから埋め込む。
// 本文は入力の空白をそのまま使い、件名だけはヘッダに改行が入らないよう1行にまとめる。
// 宛先は紹介のRefereeEmailをそのまま使う。
func ComposeNotification(from string, r *model.Referral, sanitizer security.ContentSanitizerService) mail.Message {
	clean := func(s string) string { return s }
	if sanitizer != nil {
		clean = sanitizer.SanitizeText
	}

	referrerName := clean(r.ReferrerName)

	return mail.Message{
		From:    from,
		To:      r.RefereeEmail,
		Subject: singleLine(fmt.Sprintf(notificationSubject, referrerName)),
		Body: fmt.Sprintf(notificationBody,
			clean(r.RefereeName),
			referrerName,
			clean(r.ReferrerEmail),
			clean(r.Course),
		),
	}
}

// singleLine は連続する空白・改行を空白1つにまとめる。
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
