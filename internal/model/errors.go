// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrProviderProfile はIdPが一意な外部IDを開示しなかったことを示す。
// 当該ログイン試行のみ失敗させ、プロセスは継続する。
var ErrProviderProfile = errors.New("provider profile has no usable external id")

// ErrAuthenticationRequired は有効なセッションが存在しないことを示す。
// 常に401として扱い、リトライしない。
var ErrAuthenticationRequired = errors.New("authentication required")

// AccountStoreError はアカウントストアへのアクセス失敗を表す。
// 調査用にIdPと外部IDを保持するが、ブラウザには公開しない。
type AccountStoreError struct {
	Op         string
	Provider   Provider
	ExternalID string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *AccountStoreError) Error() string {
	return fmt.Sprintf("account store %s failed (provider=%s, external_id=%s): %v", e.Op, e.Provider, e.ExternalID, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *AccountStoreError) Unwrap() error {
	return e.Err
}

// SessionStoreError はセッションストアへのアクセス失敗を表す。
// resolveでは未認証として、create/revokeでは500として扱う。
type SessionStoreError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *SessionStoreError) Error() string {
	return fmt.Sprintf("session store %s failed: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *SessionStoreError) Unwrap() error {
	return e.Err
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, search, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	ErrCodeLogoutFailed           = "LOGOUT_FAILED"
	ErrCodeUnknownProvider        = "UNKNOWN_PROVIDER"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
	ErrCodeInvalidSearchTerm      = "INVALID_SEARCH_TERM"
	ErrCodeInvalidPage            = "INVALID_PAGE"
	ErrCodeSearchFailed           = "SEARCH_FAILED"
	ErrCodeHistoryFailed          = "HISTORY_FAILED"
	ErrCodeTopSearchesFailed      = "TOP_SEARCHES_FAILED"
	ErrCodeRateLimited            = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRFValidationFailed   = "CSRF_VALIDATION_FAILED"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// NewAuthenticationRequiredError は未認証エラーを生成する。
func NewAuthenticationRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthenticationRequired,
		Message:  "Not authenticated",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewLogoutFailedError はログアウト失敗エラーを生成する。
func NewLogoutFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeLogoutFailed,
		Message:  "Logout failed",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnknownProviderError は未登録のIdPが指定された場合のエラーを生成する。
func NewUnknownProviderError() *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  "Unknown identity provider",
		Category: "auth",
		Action:   "対応しているログイン方法を選択してください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析に失敗した場合のエラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "Invalid request body",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInvalidSearchTermError は検索語が空の場合のエラーを生成する。
func NewInvalidSearchTermError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSearchTerm,
		Message:  "Search term is required",
		Category: "validation",
		Action:   "検索語を入力してください。",
	}
}

// NewInvalidPageError はページ番号が不正な場合のエラーを生成する。
func NewInvalidPageError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPage,
		Message:  "Invalid page number",
		Category: "validation",
		Action:   "ページ番号には1以上の整数を指定してください。",
	}
}

// NewSearchFailedError は画像検索失敗エラーを生成する。
// messageが空の場合は既定のメッセージを使用する。
func NewSearchFailedError(message string) *APIError {
	if message == "" {
		message = "Failed to search images"
	}
	return &APIError{
		Code:     ErrCodeSearchFailed,
		Message:  message,
		Category: "search",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewHistoryFailedError は検索履歴の取得失敗エラーを生成する。
func NewHistoryFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeHistoryFailed,
		Message:  "Failed to fetch search history",
		Category: "search",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewTopSearchesFailedError は人気検索語の取得失敗エラーを生成する。
func NewTopSearchesFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeTopSearchesFailed,
		Message:  "Failed to fetch top searches",
		Category: "search",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "指定された時間を待ってから再度お試しください。",
	}
}

// NewCSRFValidationFailedError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFValidationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFValidationFailed,
		Message:  "CSRF token validation failed",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}
