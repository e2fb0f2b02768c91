package session

import (
	"fmt"
	"net/http"
	"time"
)

// CookieName はセッションCookieの名前。
const CookieName = "session_id"

// Cookieモード
const (
	// ModeSameOrigin はフロントエンドとAPIが同一サイトの場合のモード。
	ModeSameOrigin = "same-origin"
	// ModeCrossOrigin はフロントエンドが別サイトにある場合のモード。
	// SameSite=NoneはSecure必須。
	ModeCrossOrigin = "cross-origin"
)

// CookiePolicy はセッションCookieの属性を表す。
type CookiePolicy struct {
	SameSite http.SameSite
	Secure   bool
	Domain   string
	MaxAge   time.Duration
}

// NewCookiePolicy はデプロイモードからCookiePolicyを生成する。
// same-originではsecureがtrueの場合のみSecure属性を付与する。
func NewCookiePolicy(mode string, secure bool, domain string, maxAge time.Duration) (CookiePolicy, error) {
	switch mode {
	case ModeSameOrigin, "":
		return CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: secure, Domain: domain, MaxAge: maxAge}, nil
	case ModeCrossOrigin:
		return CookiePolicy{SameSite: http.SameSiteNoneMode, Secure: true, Domain: domain, MaxAge: maxAge}, nil
	default:
		return CookiePolicy{}, fmt.Errorf("unknown cookie mode: %q (allowed: %s, %s)", mode, ModeSameOrigin, ModeCrossOrigin)
	}
}

// SessionCookie はセッションIDを格納するCookieを返す。
func (p CookiePolicy) SessionCookie(id string) *http.Cookie {
	return p.cookie(CookieName, id, int(p.MaxAge.Seconds()))
}

// ClearedSessionCookie はセッションCookieを削除するためのCookieを返す。
func (p CookiePolicy) ClearedSessionCookie() *http.Cookie {
	return p.cookie(CookieName, "", -1)
}

// Cookie は同じ属性で任意の名前・値・有効期間のCookieを返す。
func (p CookiePolicy) Cookie(name, value string, maxAge time.Duration) *http.Cookie {
	return p.cookie(name, value, int(maxAge.Seconds()))
}

func (p CookiePolicy) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	}
}
