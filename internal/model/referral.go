// Package model はドメインモデルを定義する。
package model

import "time"

// Referral はコース紹介の1件を表す。
// (ReferrerEmail, RefereeEmail, Course) の組は一意。
type Referral struct {
	ID            string    `db:"id" json:"id"`
	ReferrerName  string    `db:"referrer_name" json:"referrer_name"`
	ReferrerEmail string    `db:"referrer_email" json:"referrer_email"`
	RefereeName   string    `db:"referee_name" json:"referee_name"`
	RefereeEmail  string    `db:"referee_email" json:"referee_email"`
	Course        string    `db:"course" json:"course"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
