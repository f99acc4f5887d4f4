package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/courseref/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLのユニーク制約違反のSQLSTATE。
const uniqueViolation = pq.ErrorCode("23505")

const (
	selectReferralByTripleSQL = `
		SELECT id, referrer_name, referrer_email, referee_name, referee_email, course, created_at
		FROM referrals
		WHERE referrer_email = $1 AND referee_email = $2 AND course = $3
		LIMIT 1`

	insertReferralSQL = `
		INSERT INTO referrals (id, referrer_name, referrer_email, referee_name, referee_email, course)
		VALUES (:id, :referrer_name, :referrer_email, :referee_name, :referee_email, :course)
		RETURNING id, referrer_name, referrer_email, referee_name, referee_email, course, created_at`
)

// PostgresReferralRepo はPostgreSQLを使用した紹介リポジトリ。
type PostgresReferralRepo struct {
	db *sqlx.DB
}

// NewPostgresReferralRepo はPostgresReferralRepoを生成する。
func NewPostgresReferralRepo(db *sqlx.DB) *PostgresReferralRepo {
	return &PostgresReferralRepo{db: db}
}

// FindByTriple は (referrer_email, referee_email, course) が一致する紹介を取得する。
// 該当行がない場合はnil, nilを返す。
func (r *PostgresReferralRepo) FindByTriple(ctx context.Context, referrerEmail, refereeEmail, course string) (*model.Referral, error) {
	referral := &model.Referral{}
	err := r.db.GetContext(ctx, referral, selectReferralByTripleSQL, referrerEmail, refereeEmail, course)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find referral: %w", err)
	}

	return referral, nil
}

// Create は紹介を挿入し、RETURNINGで得た行を返す。
// created_atはDBのデフォルト値で付与される。行が返らなかった場合はnil, nilを返す。
func (r *PostgresReferralRepo) Create(ctx context.Context, referral *model.Referral) (*model.Referral, error) {
	rows, err := r.db.NamedQueryContext(ctx, insertReferralSQL, referral)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReferral
		}
		return nil, fmt.Errorf("failed to insert referral: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			if isUniqueViolation(err) {
				return nil, ErrDuplicateReferral
			}
			return nil, fmt.Errorf("failed to insert referral: %w", err)
		}
		return nil, nil
	}

	inserted := &model.Referral{}
	if err := rows.StructScan(inserted); err != nil {
		return nil, fmt.Errorf("failed to scan inserted referral: %w", err)
	}

	return inserted, nil
}

// isUniqueViolation はエラーがユニーク制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// compile-time interface check
var _ ReferralRepository = (*PostgresReferralRepo)(nil)
