package auth

import (
	"github.com/hitoshi/pixsearch/internal/model"
)

// Registry はIdPごとのIdentityProviderを保持する。
// 起動時に一度構築し、以後は読み取り専用で使用する。
type Registry struct {
	providers map[model.Provider]IdentityProvider
	order     []model.Provider
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{providers: make(map[model.Provider]IdentityProvider)}
}

// Register はIdPを登録する。同じIdPを再登録した場合は置き換える。
func (r *Registry) Register(p model.Provider, ip IdentityProvider) {
	if _, exists := r.providers[p]; !exists {
		r.order = append(r.order, p)
	}
	r.providers[p] = ip
}

// Lookup はIdPに対応するIdentityProviderを返す。
func (r *Registry) Lookup(p model.Provider) (IdentityProvider, bool) {
	ip, ok := r.providers[p]
	return ip, ok
}

// Providers は登録済みIdPを登録順に返す。
func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, len(r.order))
	copy(out, r.order)
	return out
}
