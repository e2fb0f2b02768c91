// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pixsearch/internal/model"
	"github.com/hitoshi/pixsearch/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey  = contextKey("user_id")
	accountContextKey = contextKey("account")
)

// SessionResolver はセッションIDからアカウントを解決する。
// session.Managerの部分集合として定義する。
type SessionResolver interface {
	Resolve(ctx context.Context, id string) (*model.Account, error)
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 有効なセッションのアカウントをリクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない、セッションが無効、またはストア障害の場合は401を返し、後続を実行しない。
func NewSessionMiddleware(resolver SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account, ok := AuthenticateRequest(r, resolver)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationRequiredError())
				return
			}
			recordUserIDForLog(r.Context(), account.ID)
			next.ServeHTTP(w, r.WithContext(ContextWithAccount(r.Context(), account)))
		})
	}
}

// AuthenticateRequest はリクエストのセッションCookieからアカウントを解決する。
// ゲートを通らないハンドラーが自前で認証状態を確認する場合にも使用する。
func AuthenticateRequest(r *http.Request, resolver SessionResolver) (*model.Account, bool) {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	account, err := resolver.Resolve(r.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			// ストア障害も未認証として扱う
			slog.Error("failed to resolve session",
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return account, true
}

// AccountFromContext はリクエストコンテキストからアカウントを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func AccountFromContext(ctx context.Context) (*model.Account, error) {
	account, ok := ctx.Value(accountContextKey).(*model.Account)
	if !ok || account == nil {
		return nil, model.ErrAuthenticationRequired
	}
	return account, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", model.ErrAuthenticationRequired
	}
	return userID, nil
}

// ContextWithAccount はコンテキストにアカウントとユーザーIDを注入する。
func ContextWithAccount(ctx context.Context, account *model.Account) context.Context {
	ctx = context.WithValue(ctx, accountContextKey, account)
	return context.WithValue(ctx, userIDContextKey, account.ID)
}
