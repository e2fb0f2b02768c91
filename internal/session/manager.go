// Package session はサーバー側セッションの発行・解決・失効を提供する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/pixsearch/internal/model"
	"github.com/hitoshi/pixsearch/internal/repository"
)

// ErrNotFound はセッションが存在しない、期限切れ、失効済み、
// または紐づくアカウントが存在しないことを示す。
var ErrNotFound = errors.New("session not found")

// DefaultTTL はセッションの既定有効期間。
const DefaultTTL = 24 * time.Hour

// MaxTTL は設定可能なセッション有効期間の上限。
const MaxTTL = 7 * 24 * time.Hour

// Metrics はセッションの発行・失効を記録するインターフェース。
type Metrics interface {
	RecordSessionCreated()
	RecordSessionRevoked()
}

// Config はManagerの設定。
type Config struct {
	TTL     time.Duration // 有効期間。0の場合はDefaultTTL
	Sliding bool          // trueの場合、Resolveのたびに有効期限を延長する
}

// Manager はセッションのライフサイクルを管理する。
type Manager struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	metrics  Metrics
	config   Config
	now      func() time.Time
}

// NewManager はManagerを生成する。metricsはnilでもよい。
func NewManager(sessions repository.SessionRepository, users repository.UserRepository, metrics Metrics, config Config) *Manager {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.TTL > MaxTTL {
		config.TTL = MaxTTL
	}
	return &Manager{
		sessions: sessions,
		users:    users,
		metrics:  metrics,
		config:   config,
		now:      time.Now,
	}
}

// TTL は実効的なセッション有効期間を返す。
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Create はアカウントに対して新しいセッションを発行する。
func (m *Manager) Create(ctx context.Context, account *model.Account) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.now()
	session := &model.Session{
		ID:        id,
		UserID:    account.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.config.TTL),
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, &model.SessionStoreError{Op: "create", Err: err}
	}

	if m.metrics != nil {
		m.metrics.RecordSessionCreated()
	}
	return session, nil
}

// Resolve はセッションIDに紐づくアカウントを返す。
// 有効なセッションが存在しない場合はErrNotFoundを返す。
func (m *Manager) Resolve(ctx context.Context, id string) (*model.Account, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	session, err := m.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, &model.SessionStoreError{Op: "find", Err: err}
	}
	now := m.now()
	if session == nil || !session.Active(now) {
		return nil, ErrNotFound
	}

	account, err := m.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, &model.SessionStoreError{Op: "find account", Err: err}
	}
	if account == nil {
		slog.Warn("session references missing account",
			slog.String("user_id", session.UserID),
		)
		return nil, ErrNotFound
	}

	if m.config.Sliding {
		// 延長失敗は現在のリクエストを妨げない
		if err := m.sessions.Extend(ctx, id, now.Add(m.config.TTL)); err != nil {
			slog.Warn("failed to extend session",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	return account, nil
}

// Revoke はセッションを失効させる。冪等であり、空・未知・失効済みのIDはnilを返す。
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	revoked, err := m.sessions.Revoke(ctx, id, m.now())
	if err != nil {
		return &model.SessionStoreError{Op: "revoke", Err: err}
	}
	// 未知・失効済みのIDでは失効数を数えない
	if revoked && m.metrics != nil {
		m.metrics.RecordSessionRevoked()
	}
	return nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
