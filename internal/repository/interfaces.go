// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/pixsearch/internal/model"
)

// UserRepository はアカウントデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	// ExternalIDsには紐づく全identityの外部IDが格納される。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
	// (provider, provider_user_id) が既に存在する場合はErrDuplicateIdentityを返す。
	CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider model.Provider, providerUserID string) (*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
// 期限切れ・失効済みの判定は呼び出し側で行う。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// 期限切れや失効済みのセッションもそのまま返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Revoke はセッションを失効済みにし、今回の呼び出しで失効させた場合はtrueを返す。
	// 存在しない、または既に失効済みのセッションに対してはfalse, nilを返す。
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	// Extend は有効なセッションの有効期限を更新する。
	Extend(ctx context.Context, id string, expiresAt time.Time) error
}

// SearchRepository は画像検索履歴の永続化インターフェース。
type SearchRepository interface {
	// Create は検索履歴を1件記録する。
	Create(ctx context.Context, search *model.Search) error
	// ListByUserID はユーザーの検索履歴を新しい順にlimit件まで返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.Search, error)
	// TopTerms は全ユーザーの検索語を件数の多い順にlimit件まで返す。
	TopTerms(ctx context.Context, limit int) ([]model.TermCount, error)
}
