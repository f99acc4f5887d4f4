// Package mail は外部メールプロバイダへの送信を提供する。
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// ErrMissingRecipient は宛先メールアドレスが空の場合に返される。
var ErrMissingRecipient = errors.New("missing recipient email address")

// Message は送信するプレーンテキストメールを表す。
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Sender はメール送信のインターフェース。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig はSMTPプロバイダへの接続設定。
// ポート465の場合は暗黙のTLS、それ以外はSTARTTLSで接続する。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// dialer はgomail.Dialerのうち送信に使う部分。
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender はgomailを使用したSender実装。
// 送信ごとにSMTPセッションを張り、認証してから送信する。
type SMTPSender struct {
	dialer dialer
	logger *slog.Logger
}

// NewSMTPSender はSMTPSenderを生成する。
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: logger,
	}
}

// Send はメッセージを送信する。
// 宛先が空の場合はSMTPに接続せずErrMissingRecipientを返す。
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrMissingRecipient
	}
	// gomailはcontextを受け取らないため、送信前にのみキャンセルを確認する
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mail send aborted: %w", err)
	}

	s.logger.Info("sending email", slog.String("to", msg.To))

	if err := s.dialer.DialAndSend(newMessage(msg)); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}

	s.logger.Info("email sent", slog.String("to", msg.To))
	return nil
}

// newMessage はMessageからgomailのメッセージを組み立てる。
func newMessage(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	return m
}

// compile-time interface check
var _ Sender = (*SMTPSender)(nil)
