// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/pixsearch/internal/auth"
	"github.com/hitoshi/pixsearch/internal/middleware"
	"github.com/hitoshi/pixsearch/internal/model"
	"github.com/hitoshi/pixsearch/internal/session"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 10 * time.Minute
)

// LoginFlow は認証ハンドラーが必要とするフェデレーションフローのインターフェース。
type LoginFlow interface {
	LoginURL(provider model.Provider, state string) (string, error)
	HandleCallback(ctx context.Context, provider model.Provider, code string) (*model.Session, error)
}

// SessionService はセッションの解決と失効のインターフェース。
type SessionService interface {
	Resolve(ctx context.Context, id string) (*model.Account, error)
	Revoke(ctx context.Context, id string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	ClientURL    string // ログイン後のリダイレクト先（フロントエンド）
	CookiePolicy session.CookiePolicy
}

// AuthHandler はIdPログイン関連のHTTPハンドラー。
type AuthHandler struct {
	flow     LoginFlow
	sessions SessionService
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(flow LoginFlow, sessions SessionService, config AuthHandlerConfig) *AuthHandler {
	config.ClientURL = strings.TrimRight(config.ClientURL, "/")
	return &AuthHandler{
		flow:     flow,
		sessions: sessions,
		config:   config,
	}
}

// userResponse はログインユーザー情報のAPIレスポンス。
type userResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
	Provider string `json:"provider"`
}

// Login はIdPのログインフローを開始する。
// GET /auth/{provider}
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError())
		return
	}

	state, err := auth.GenerateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	url, err := h.flow.LoginURL(provider, state)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownProvider) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError())
			return
		}
		slog.Error("failed to build login url", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, h.config.CookiePolicy.Cookie(oauthStateCookie, state, oauthStateMaxAge))
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback はIdPからのコールバックを処理する。
// 失敗時はセッションを発行せずログイン画面へリダイレクトする。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError())
		return
	}

	// stateクッキーは結果に関わらず削除する
	stateCookie, cookieErr := r.Cookie(oauthStateCookie)
	http.SetCookie(w, h.config.CookiePolicy.Cookie(oauthStateCookie, "", -time.Second))

	query := r.URL.Query()

	// 1. stateの検証（CSRF対策）
	state := query.Get("state")
	if cookieErr != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("provider", provider.String()),
		)
		h.redirectToLogin(w, r)
		return
	}

	// 2. 同意拒否
	if denied := query.Get("error"); denied != "" {
		slog.Info("provider consent denied",
			slog.String("provider", provider.String()),
			slog.String("flow_state", auth.FlowFailed),
			slog.String("reason", denied),
		)
		h.redirectToLogin(w, r)
		return
	}

	// 3. 認可コードの取得
	code := query.Get("code")
	if code == "" {
		slog.Warn("missing authorization code",
			slog.String("provider", provider.String()),
		)
		h.redirectToLogin(w, r)
		return
	}

	// 4. 認証処理（失敗内容はサービス側でログ出力済み）
	sess, err := h.flow.HandleCallback(r.Context(), provider, code)
	if err != nil {
		h.redirectToLogin(w, r)
		return
	}

	// 5. セッションCookieを設定してフロントエンドへ
	http.SetCookie(w, h.config.CookiePolicy.SessionCookie(sess.ID))
	http.Redirect(w, r, h.config.ClientURL+"/", http.StatusTemporaryRedirect)
}

// User は現在のログインユーザー情報を返す。
// GET /auth/user
func (h *AuthHandler) User(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.AuthenticateRequest(r, h.sessions)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationRequiredError())
		return
	}

	writeJSON(w, http.StatusOK, map[string]userResponse{
		"user": {
			ID:       account.ID,
			Name:     account.DisplayName,
			Email:    account.Email,
			Avatar:   account.AvatarURL,
			Provider: account.Provider.String(),
		},
	})
}

// Logout はセッションを失効させ、Cookieを削除する。
// 未ログインや失効済みのセッションでも成功として扱う。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		if err := h.sessions.Revoke(r.Context(), cookie.Value); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewLogoutFailedError())
			return
		}
	}

	http.SetCookie(w, h.config.CookiePolicy.ClearedSessionCookie())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (h *AuthHandler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.config.ClientURL+"/login", http.StatusTemporaryRedirect)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
