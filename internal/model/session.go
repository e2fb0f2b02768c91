package model

import "time"

// Session はブラウザに紐づくサーバーサイドのログインセッションを表す。
// UserIDは作成時に確定し、セッションの生存期間中は変わらない。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time // nil以外は失効済み
}

// Revoked はセッションが明示的に失効されているかを返す。
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

// Active は指定時刻においてセッションが再利用可能かを返す。
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked() && now.Before(s.ExpiresAt)
}
