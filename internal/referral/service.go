// Package referral はコース紹介の登録と通知のドメインロジックを提供する。
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/courseref/internal/mail"
	"github.com/hitoshi/courseref/internal/metrics"
	"github.com/hitoshi/courseref/internal/model"
	"github.com/hitoshi/courseref/internal/repository"
	"github.com/hitoshi/courseref/internal/security"
)

// ErrNoInsertedRow はストアが挿入後の行を返さなかった場合のエラー。
var ErrNoInsertedRow = errors.New("no row returned from referral insert")

// SubmitInput は紹介登録の入力。書式の検証は行わない。
type SubmitInput struct {
	ReferrerName  string
	ReferrerEmail string
	RefereeName   string
	RefereeEmail  string
	Course        string
}

// ServiceConfig はServiceの設定。
type ServiceConfig struct {
	// MailFrom は通知メールの差出人アドレス。
	MailFrom string
	// NotifyBestEffort がtrueの場合、通知メールの失敗はログに残すだけで登録は成功扱いにする。
	// falseの場合は行が保存済みでもリクエスト全体を失敗として返す。
	NotifyBestEffort bool
}

// Service は紹介登録のサービス層。
// ストアとメール送信はインターフェースとして注入する。
type Service struct {
	repo      repository.ReferralRepository
	sender    mail.Sender
	sanitizer security.ContentSanitizerService
	metrics   metrics.MetricsCollector
	config    ServiceConfig
	newID     func() string
}

// NewService はServiceの新しいインスタンスを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewService(
	repo repository.ReferralRepository,
	sender mail.Sender,
	sanitizer security.ContentSanitizerService,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		repo:      repo,
		sender:    sender,
		sanitizer: sanitizer,
		metrics:   collector,
		config:    config,
		newID:     uuid.NewString,
	}
}

// Submit は紹介を登録し、被紹介者へ通知メールを送る。
//
// 処理順序: 重複確認 → 挿入 → 通知。
// 同一の (紹介者メール, 被紹介者メール, コース) が存在する場合は
// REFERRAL_EXISTS のAPIErrorを返し、挿入も通知も行わない。
// 重複確認と挿入の間で競合した場合もユニーク制約違反として同じエラーになる。
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*model.Referral, error) {
	existing, err := s.repo.FindByTriple(ctx, in.ReferrerEmail, in.RefereeEmail, in.Course)
	if err != nil {
		s.metrics.RecordSubmission(metrics.ResultError)
		return nil, fmt.Errorf("failed to check existing referral: %w", err)
	}
	if existing != nil {
		s.metrics.RecordSubmission(metrics.ResultConflict)
		return nil, model.NewReferralExistsError()
	}

	inserted, err := s.repo.Create(ctx, &model.Referral{
		ID:            s.newID(),
		ReferrerName:  in.ReferrerName,
		ReferrerEmail: in.ReferrerEmail,
		RefereeName:   in.RefereeName,
		RefereeEmail:  in.RefereeEmail,
		Course:        in.Course,
	})
	if errors.Is(err, repository.ErrDuplicateReferral) {
		s.metrics.RecordSubmission(metrics.ResultConflict)
		return nil, model.NewReferralExistsError()
	}
	if err != nil {
		s.metrics.RecordSubmission(metrics.ResultError)
		return nil, fmt.Errorf("failed to create referral: %w", err)
	}
	if inserted == nil {
		s.metrics.RecordSubmission(metrics.ResultError)
		return nil, ErrNoInsertedRow
	}

	slog.Info("referral created",
		slog.String("referral_id", inserted.ID),
		slog.String("course", inserted.Course),
	)

	if err := s.notify(ctx, inserted); err != nil {
		if !s.config.NotifyBestEffort {
			s.metrics.RecordSubmission(metrics.ResultError)
			// 行は保存済みのまま。補償削除は行わない
			return nil, fmt.Errorf("referral %s was saved but notification failed: %w", inserted.ID, err)
		}
		slog.Warn("referral notification failed",
			slog.String("referral_id", inserted.ID),
			slog.String("error", err.Error()),
		)
	}

	s.metrics.RecordSubmission(metrics.ResultCreated)
	return inserted, nil
}

// notify は紹介通知メールを送信し、結果をメトリクスに記録する。
func (s *Service) notify(ctx context.Context, r *model.Referral) error {
	msg := ComposeNotification(s.config.MailFrom, r, s.sanitizer)

	start := time.Now()
	err := s.sender.Send(ctx, msg)
	s.metrics.RecordNotification(err == nil, time.Since(start))

	return err
}
