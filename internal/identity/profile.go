// Package identity はIdPのプロフィールからローカルアカウントを解決する。
package identity

import (
	"fmt"
	"strings"

	"github.com/hitoshi/pixsearch/internal/model"
)

// Profile はIdPから取得した正規化前のプロフィール。
// 各フィールドはIdPによって欠落しうる。
type Profile struct {
	ExternalID  string
	DisplayName string
	Username    string
	Emails      []string
	Photos      []string
	// SecondaryAvatarURL はPhotosが空の場合に使うIdP固有のアバター項目
	// （GitHubのavatar_url、Facebookのpicture.data.url等）。
	SecondaryAvatarURL string
}

// policy はIdPごとのアカウント合成規則。
type policy struct {
	emailPrefix string
	emailDomain string
}

var policies = map[model.Provider]policy{
	model.ProviderGoogle:   {emailPrefix: "gg", emailDomain: "google.com"},
	model.ProviderFacebook: {emailPrefix: "fb", emailDomain: "facebook.com"},
	model.ProviderGitHub:   {emailPrefix: "gh", emailDomain: "github.com"},
}

// SynthesizeEmail はメールアドレスを開示しなかったアカウント用の代替アドレスを返す。
// 同じ (provider, externalID) に対して常に同じ値を返す。
func SynthesizeEmail(provider model.Provider, externalID string) string {
	p, ok := policies[provider]
	if !ok {
		p = policy{emailPrefix: string(provider), emailDomain: string(provider) + ".invalid"}
	}
	return fmt.Sprintf("%s_%s@%s", p.emailPrefix, externalID, p.emailDomain)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// email はプロフィールの最初のメールアドレス、なければ合成アドレスを返す。
func (p *Profile) email(provider model.Provider, externalID string) string {
	if e := firstNonEmpty(p.Emails...); e != "" {
		return e
	}
	return SynthesizeEmail(provider, externalID)
}

// avatarCandidate は最初の写真、なければ二次フィールドを返す。
func (p *Profile) avatarCandidate() string {
	if photo := firstNonEmpty(p.Photos...); photo != "" {
		return photo
	}
	return strings.TrimSpace(p.SecondaryAvatarURL)
}
