// Package auth は外部IdPによるフェデレーションログインのフローを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/pixsearch/internal/identity"
	"github.com/hitoshi/pixsearch/internal/model"
)

// ErrUnknownProvider は登録されていないIdPが指定されたことを示す。
var ErrUnknownProvider = errors.New("unknown identity provider")

// ログイン試行の状態。構造化ログのflow_stateとして出力する。
const (
	FlowInitiated        = "INITIATED"
	FlowPendingConsent   = "PENDING_CONSENT"
	FlowCallbackReceived = "CALLBACK_RECEIVED"
	FlowSucceeded        = "SUCCEEDED"
	FlowFailed           = "FAILED"
)

// AccountResolver はプロフィールをローカルアカウントに解決する。
type AccountResolver interface {
	Resolve(ctx context.Context, provider model.Provider, profile *identity.Profile) (*model.Account, error)
}

// SessionIssuer はアカウントに対してセッションを発行する。
type SessionIssuer interface {
	Create(ctx context.Context, account *model.Account) (*model.Session, error)
}

// LoginMetrics はログイン試行の結果を記録する。
type LoginMetrics interface {
	RecordLogin(provider string, outcome string)
}

// Service はIdPの選択からセッション発行までのフローを提供する。
type Service struct {
	registry *Registry
	resolver AccountResolver
	sessions SessionIssuer
	metrics  LoginMetrics
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(registry *Registry, resolver AccountResolver, sessions SessionIssuer, metrics LoginMetrics) *Service {
	return &Service{
		registry: registry,
		resolver: resolver,
		sessions: sessions,
		metrics:  metrics,
	}
}

// LoginURL はIdPの同意画面URLを返す。
// 未登録のIdPの場合はErrUnknownProviderを返す。
func (s *Service) LoginURL(provider model.Provider, state string) (string, error) {
	ip, ok := s.registry.Lookup(provider)
	if !ok {
		return "", fmt.Errorf("%s: %w", provider, ErrUnknownProvider)
	}
	slog.Info("login initiated",
		slog.String("provider", provider.String()),
		slog.String("flow_state", FlowInitiated),
	)
	url := ip.AuthorizationURL(state)
	slog.Debug("redirecting to provider consent",
		slog.String("provider", provider.String()),
		slog.String("flow_state", FlowPendingConsent),
	)
	return url, nil
}

// HandleCallback は認可コードを交換し、アカウントを解決してセッションを発行する。
// いずれかの段階で失敗した場合はセッションを発行しない。
func (s *Service) HandleCallback(ctx context.Context, provider model.Provider, code string) (*model.Session, error) {
	slog.Info("provider callback received",
		slog.String("provider", provider.String()),
		slog.String("flow_state", FlowCallbackReceived),
	)

	session, err := s.handleCallback(ctx, provider, code)
	if err != nil {
		s.recordLogin(provider, "failure")
		slog.Warn("login failed",
			slog.String("provider", provider.String()),
			slog.String("flow_state", FlowFailed),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.recordLogin(provider, "success")
	slog.Info("login succeeded",
		slog.String("provider", provider.String()),
		slog.String("flow_state", FlowSucceeded),
		slog.String("user_id", session.UserID),
	)
	return session, nil
}

func (s *Service) handleCallback(ctx context.Context, provider model.Provider, code string) (*model.Session, error) {
	ip, ok := s.registry.Lookup(provider)
	if !ok {
		return nil, fmt.Errorf("%s: %w", provider, ErrUnknownProvider)
	}

	// 1. 認可コードをトークンに交換し、プロフィールを取得
	profile, err := ip.ExchangeGrant(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange grant: %w", err)
	}

	// 2. ローカルアカウントを解決（未登録なら作成）
	account, err := s.resolver.Resolve(ctx, provider, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}
	slog.Debug("account resolved",
		slog.String("provider", provider.String()),
		slog.String("external_id", account.ExternalID(provider)),
		slog.String("user_id", account.ID),
	)

	// 3. セッションを発行
	session, err := s.sessions.Create(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func (s *Service) recordLogin(provider model.Provider, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordLogin(provider.String(), outcome)
	}
}

// GenerateState はCSRF対策用のランダムなstate値を生成する。
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
