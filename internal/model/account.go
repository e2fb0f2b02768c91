// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// Provider は外部IdPの識別子を表す。
type Provider string

// サポートするIdP
const (
	ProviderGoogle   Provider = "google"
	ProviderFacebook Provider = "facebook"
	ProviderGitHub   Provider = "github"
)

// Providers はサポートする全IdPを定義順に返す。
func Providers() []Provider {
	return []Provider{ProviderGoogle, ProviderFacebook, ProviderGitHub}
}

// ParseProvider は文字列をProviderに変換する。
// サポート外の値はエラーを返す。
func ParseProvider(s string) (Provider, error) {
	for _, p := range Providers() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported provider: %q", s)
}

// String はfmt.Stringerを実装する。
func (p Provider) String() string {
	return string(p)
}

// Account はローカルのユーザーアカウントを表す。
// Providerは作成時のIdPで、以後変更されない。
type Account struct {
	ID          string
	ExternalIDs map[Provider]string // IdPごとの外部ID（通常は1件のみ）
	Email       string
	DisplayName string
	AvatarURL   string
	Provider    Provider
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExternalID は指定IdPの外部IDを返す。未登録の場合は空文字列。
func (a *Account) ExternalID(p Provider) string {
	if a.ExternalIDs == nil {
		return ""
	}
	return a.ExternalIDs[p]
}

// Identity は外部IdPとの紐付け情報を表す。
// (Provider, ProviderUserID) はストア全体で一意。
type Identity struct {
	ID             string
	UserID         string
	Provider       Provider
	ProviderUserID string
	CreatedAt      time.Time
}
