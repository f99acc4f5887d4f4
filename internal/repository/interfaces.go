// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/courseref/internal/model"
)

// ErrDuplicateReferral は (referrer_email, referee_email, course) のユニーク制約に
// 違反した挿入で返される。
var ErrDuplicateReferral = errors.New("referral already exists")

// ReferralRepository は紹介データの永続化インターフェース。
// 挿入と等価条件での検索のみを提供し、更新・削除は行わない。
type ReferralRepository interface {
	// FindByTriple は紹介者メール・被紹介者メール・コースが完全一致する紹介を取得する。
	// 見つからない場合はnilを返す（エラーではない）。
	FindByTriple(ctx context.Context, referrerEmail, refereeEmail, course string) (*model.Referral, error)

	// Create は紹介を挿入し、ストアが採番・付与した値を含む挿入後の行を返す。
	// ユニーク制約違反の場合はErrDuplicateReferralを返す。
	Create(ctx context.Context, referral *model.Referral) (*model.Referral, error)
}
