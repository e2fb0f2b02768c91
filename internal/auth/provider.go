package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/pixsearch/internal/identity"
	"github.com/hitoshi/pixsearch/internal/model"
)

// maxProfileSize はプロフィールレスポンスの最大読み込みサイズ。
const maxProfileSize = 1 << 20

// IdentityProvider は外部IdPとの認可コードフローを抽象化する。
type IdentityProvider interface {
	// AuthorizationURL は同意画面へのURLを返す。
	AuthorizationURL(state string) string
	// ExchangeGrant は認可コードをトークンに交換し、プロフィールを取得する。
	ExchangeGrant(ctx context.Context, code string) (*identity.Profile, error)
}

// Fetcher はアクセストークン付きでURLを取得する関数。
type Fetcher func(ctx context.Context, url string) ([]byte, error)

// ProviderSpec はIdP固有の情報をデータとして表す。
type ProviderSpec struct {
	Provider   model.Provider
	Endpoint   oauth2.Endpoint
	Scopes     []string
	ProfileURL string
	// EmailsURL はプロフィールにメールアドレスが含まれない場合の補助エンドポイント。
	EmailsURL string
	// Decode はプロフィールレスポンスをProfileに変換する。
	Decode func(ctx context.Context, spec ProviderSpec, body []byte, fetch Fetcher) (*identity.Profile, error)
}

// GoogleSpec はGoogleのProviderSpecを返す。
func GoogleSpec() ProviderSpec {
	return ProviderSpec{
		Provider:   model.ProviderGoogle,
		Endpoint:   endpoints.Google,
		Scopes:     []string{"openid", "email", "profile"},
		ProfileURL: "https://www.googleapis.com/oauth2/v3/userinfo",
		Decode:     decodeGoogle,
	}
}

// FacebookSpec はFacebookのProviderSpecを返す。
func FacebookSpec() ProviderSpec {
	return ProviderSpec{
		Provider:   model.ProviderFacebook,
		Endpoint:   endpoints.Facebook,
		Scopes:     []string{"email", "public_profile"},
		ProfileURL: "https://graph.facebook.com/me?fields=id,name,email,picture.type(large)",
		Decode:     decodeFacebook,
	}
}

// GitHubSpec はGitHubのProviderSpecを返す。
func GitHubSpec() ProviderSpec {
	return ProviderSpec{
		Provider:   model.ProviderGitHub,
		Endpoint:   endpoints.GitHub,
		Scopes:     []string{"user:email"},
		ProfileURL: "https://api.github.com/user",
		EmailsURL:  "https://api.github.com/user/emails",
		Decode:     decodeGitHub,
	}
}

// SpecFor はIdPに対応する既定のProviderSpecを返す。
func SpecFor(p model.Provider) (ProviderSpec, error) {
	switch p {
	case model.ProviderGoogle:
		return GoogleSpec(), nil
	case model.ProviderFacebook:
		return FacebookSpec(), nil
	case model.ProviderGitHub:
		return GitHubSpec(), nil
	default:
		return ProviderSpec{}, fmt.Errorf("unsupported provider: %q", p)
	}
}

// Credentials はOAuthクライアントの認証情報。
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OAuthProvider はx/oauth2による汎用IdP実装。IdP固有の差異はProviderSpecで表す。
type OAuthProvider struct {
	spec       ProviderSpec
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthProvider はOAuthProviderを生成する。
// httpClientがnilの場合はhttp.DefaultClientを使用する。
func NewOAuthProvider(spec ProviderSpec, creds Credentials, httpClient *http.Client) *OAuthProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OAuthProvider{
		spec: spec,
		config: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Endpoint:     spec.Endpoint,
			Scopes:       spec.Scopes,
		},
		httpClient: httpClient,
	}
}

// AuthorizationURL はIdPの同意画面URLを返す。
func (p *OAuthProvider) AuthorizationURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// ExchangeGrant は認可コードをアクセストークンに交換し、プロフィールを取得する。
func (p *OAuthProvider) ExchangeGrant(ctx context.Context, code string) (*identity.Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange %s token: %w", p.spec.Provider, err)
	}

	client := p.config.Client(ctx, token)
	fetch := func(ctx context.Context, url string) ([]byte, error) {
		return fetchJSON(ctx, client, url)
	}

	body, err := fetch(ctx, p.spec.ProfileURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s profile: %w", p.spec.Provider, err)
	}

	profile, err := p.spec.Decode(ctx, p.spec, body, fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s profile: %w", p.spec.Provider, err)
	}
	return profile, nil
}

// fetchJSON はGETリクエストを送りレスポンスボディを返す。
func fetchJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

type googleUserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func decodeGoogle(_ context.Context, _ ProviderSpec, body []byte, _ Fetcher) (*identity.Profile, error) {
	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	return &identity.Profile{
		ExternalID:         info.Sub,
		DisplayName:        info.Name,
		Emails:             nonEmpty(info.Email),
		SecondaryAvatarURL: info.Picture,
	}, nil
}

type facebookUser struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	} `json:"picture"`
}

func decodeFacebook(_ context.Context, _ ProviderSpec, body []byte, _ Fetcher) (*identity.Profile, error) {
	var user facebookUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, err
	}
	return &identity.Profile{
		ExternalID:         user.ID,
		DisplayName:        user.Name,
		Emails:             nonEmpty(user.Email),
		SecondaryAvatarURL: user.Picture.Data.URL,
	}, nil
}

type githubUser struct {
	ID        json.Number `json:"id"`
	Login     string      `json:"login"`
	Name      string      `json:"name"`
	Email     string      `json:"email"`
	AvatarURL string      `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// decodeGitHub はGitHubのプロフィールを変換する。
// 公開メールアドレスがない場合は/user/emailsの検証済みプライマリを使う。
func decodeGitHub(ctx context.Context, spec ProviderSpec, body []byte, fetch Fetcher) (*identity.Profile, error) {
	var user githubUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, err
	}
	profile := &identity.Profile{
		ExternalID:         user.ID.String(),
		DisplayName:        user.Name,
		Username:           user.Login,
		Emails:             nonEmpty(user.Email),
		SecondaryAvatarURL: user.AvatarURL,
	}

	if len(profile.Emails) == 0 && spec.EmailsURL != "" {
		emails, err := githubPrimaryEmail(ctx, spec.EmailsURL, fetch)
		// メール取得の失敗は合成アドレスで代替できるためログインを止めない
		if err == nil {
			profile.Emails = emails
		}
	}
	return profile, nil
}

func githubPrimaryEmail(ctx context.Context, url string, fetch Fetcher) ([]string, error) {
	body, err := fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	var emails []githubEmail
	if err := json.Unmarshal(body, &emails); err != nil {
		return nil, err
	}
	for _, e := range emails {
		if e.Primary && e.Verified && e.Email != "" {
			return []string{e.Email}, nil
		}
	}
	return nil, errors.New("no verified primary email")
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// compile-time interface check
var _ IdentityProvider = (*OAuthProvider)(nil)
