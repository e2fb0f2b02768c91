package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pixsearch/internal/model"
	"github.com/hitoshi/pixsearch/internal/repository"
	"github.com/hitoshi/pixsearch/internal/security"
)

// AccountMetrics は新規アカウント作成を記録するインターフェース。
type AccountMetrics interface {
	RecordAccountCreated(provider string)
}

// Resolver は (provider, externalID) をローカルアカウントに対応付ける。
// 既存アカウントはログインのたびに更新しない。
type Resolver struct {
	users      repository.UserRepository
	identities repository.IdentityRepository
	sanitizer  security.TextSanitizer
	urlGuard   security.URLGuard
	metrics    AccountMetrics
	now        func() time.Time
}

// NewResolver はResolverを生成する。metricsはnilでもよい。
func NewResolver(
	users repository.UserRepository,
	identities repository.IdentityRepository,
	sanitizer security.TextSanitizer,
	urlGuard security.URLGuard,
	metrics AccountMetrics,
) *Resolver {
	return &Resolver{
		users:      users,
		identities: identities,
		sanitizer:  sanitizer,
		urlGuard:   urlGuard,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Resolve はプロフィールに対応するアカウントを返す。存在しなければ作成する。
// 並行ログインで作成が競合した場合は一意制約違反を検知して勝者を読み直す。
func (r *Resolver) Resolve(ctx context.Context, provider model.Provider, profile *Profile) (*model.Account, error) {
	if profile == nil {
		return nil, fmt.Errorf("%s: %w", provider, model.ErrProviderProfile)
	}
	externalID := strings.TrimSpace(profile.ExternalID)
	if externalID == "" {
		return nil, fmt.Errorf("%s: %w", provider, model.ErrProviderProfile)
	}

	account, err := r.find(ctx, provider, externalID)
	if err != nil {
		return nil, err
	}
	if account != nil {
		slog.Debug("existing account resolved",
			slog.String("user_id", account.ID),
			slog.String("provider", provider.String()),
		)
		return account, nil
	}

	account, identity := r.synthesize(provider, externalID, profile)
	err = r.users.CreateWithIdentity(ctx, account, identity)
	if errors.Is(err, repository.ErrDuplicateIdentity) {
		slog.Info("concurrent account creation detected, re-reading",
			slog.String("provider", provider.String()),
			slog.String("external_id", externalID),
		)
		winner, err := r.find(ctx, provider, externalID)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			return nil, &model.AccountStoreError{
				Op: "reread", Provider: provider, ExternalID: externalID,
				Err: errors.New("identity vanished after duplicate insert"),
			}
		}
		return winner, nil
	}
	if err != nil {
		return nil, &model.AccountStoreError{Op: "create", Provider: provider, ExternalID: externalID, Err: err}
	}

	if r.metrics != nil {
		r.metrics.RecordAccountCreated(provider.String())
	}
	slog.Info("new account created",
		slog.String("user_id", account.ID),
		slog.String("provider", provider.String()),
		slog.Bool("email_synthesized", firstNonEmpty(profile.Emails...) == ""),
	)
	return account, nil
}

// find はidentity経由でアカウントを取得する。見つからない場合はnilを返す。
func (r *Resolver) find(ctx context.Context, provider model.Provider, externalID string) (*model.Account, error) {
	identity, err := r.identities.FindByProviderAndProviderUserID(ctx, provider, externalID)
	if err != nil {
		return nil, &model.AccountStoreError{Op: "find identity", Provider: provider, ExternalID: externalID, Err: err}
	}
	if identity == nil {
		return nil, nil
	}

	account, err := r.users.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, &model.AccountStoreError{Op: "find account", Provider: provider, ExternalID: externalID, Err: err}
	}
	if account == nil {
		return nil, &model.AccountStoreError{
			Op: "find account", Provider: provider, ExternalID: externalID,
			Err: fmt.Errorf("identity %s references missing user %s", identity.ID, identity.UserID),
		}
	}
	return account, nil
}

// synthesize はプロフィールから新規アカウントとidentityを組み立てる。
func (r *Resolver) synthesize(provider model.Provider, externalID string, profile *Profile) (*model.Account, *model.Identity) {
	now := r.now()
	userID := uuid.New().String()

	displayName := r.sanitizer.Sanitize(firstNonEmpty(profile.DisplayName, profile.Username))
	if displayName == "" {
		displayName = externalID
	}

	avatar := profile.avatarCandidate()
	if avatar != "" {
		if err := r.urlGuard.ValidateURL(avatar); err != nil {
			slog.Warn("discarding unsafe avatar url",
				slog.String("provider", provider.String()),
				slog.String("error", err.Error()),
			)
			avatar = ""
		}
	}

	account := &model.Account{
		ID:          userID,
		ExternalIDs: map[model.Provider]string{provider: externalID},
		Email:       profile.email(provider, externalID),
		DisplayName: displayName,
		AvatarURL:   avatar,
		Provider:    provider,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         userID,
		Provider:       provider,
		ProviderUserID: externalID,
		CreatedAt:      now,
	}
	return account, identity
}
