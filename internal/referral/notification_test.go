package referral

import (
	"testing"

	"github.com/hitoshi/courseref/internal/model"
	"github.com/hitoshi/courseref/internal/security"
)

func TestComposeNotification(t *testing.T) {
	r := &model.Referral{
		ReferrerName:  "Alice",
		ReferrerEmail: "a@x.com",
		RefereeName:   "Bob",
		RefereeEmail:  "b@x.com",
		Course:        "CS101",
	}

	msg := ComposeNotification("noreply@example.com", r, security.NewContentSanitizer())

	if msg.From != "noreply@example.com" {
		t.Errorf("From = %q", msg.From)
	}
	if msg.To != "b@x.com" {
		t.Errorf("To = %q, want %q", msg.To, "b@x.com")
	}
	if want := "Alice has referred you to a course!"; msg.Subject != want {
		t.Errorf("Subject = %q, want %q", msg.Subject, want)
	}
	want := "Hello Bob,\n\nAlice (a@x.com) has referred you to the \"CS101\" course. Check it out!"
	if msg.Body != want {
		t.Errorf("Body = %q, want %q", msg.Body, want)
	}
}

func TestComposeNotification_StripsMarkupFromNames(t *testing.T) {
	r := &model.Referral{
		ReferrerName:  `<a href="https://phish.example.com">Alice</a>`,
		ReferrerEmail: "a@x.com",
		RefereeName:   "<b>Bob</b>",
		RefereeEmail:  "b@x.com",
		Course:        "CS101<script>alert(1)</script>",
	}

	msg := ComposeNotification("noreply@example.com", r, security.NewContentSanitizer())

	if want := "Alice has referred you to a course!"; msg.Subject != want {
		t.Errorf("Subject = %q, want %q", msg.Subject, want)
	}
	want := "Hello Bob,\n\nAlice (a@x.com) has referred you to the \"CS101\" course. Check it out!"
	if msg.Body != want {
		t.Errorf("Body = %q, want %q", msg.Body, want)
	}
}

func TestComposeNotification_NilSanitizer_UsesRawValues(t *testing.T) {
	r := &model.Referral{ReferrerName: "<b>Alice</b>", RefereeEmail: "b@x.com"}

	msg := ComposeNotification("", r, nil)

	if want := "<b>Alice</b> has referred you to a course!"; msg.Subject != want {
		t.Errorf("Subject = %q, want %q", msg.Subject, want)
	}
}

// TestComposeNotification_SubjectIsSingleLine は件名だけが1行にまとめられ、本文は入力の空白を保つことを検証する。
func TestComposeNotification_SubjectIsSingleLine(t *testing.T) {
	r := &model.Referral{
		ReferrerName:  "Alice\nBcc: victim@example.com",
		ReferrerEmail: "a@x.com",
		RefereeName:   "Bob",
		RefereeEmail:  "b@x.com",
		Course:        "Intro  to Go",
	}

	msg := ComposeNotification("noreply@example.com", r, security.NewContentSanitizer())

	if want := "Alice Bcc: victim@example.com has referred you to a course!"; msg.Subject != want {
		t.Errorf("Subject = %q, want %q", msg.Subject, want)
	}
	want := "Hello Bob,\n\nAlice\nBcc: victim@example.com (a@x.com) has referred you to the \"Intro  to Go\" course. Check it out!"
	if msg.Body != want {
		t.Errorf("Body = %q, want %q", msg.Body, want)
	}
}
