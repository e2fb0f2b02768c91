package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/pixsearch/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	account := &model.Account{}
	var provider string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar_url, provider, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&account.ID, &account.Email, &account.DisplayName, &account.AvatarURL, &provider, &account.CreatedAt, &account.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	account.Provider = model.Provider(provider)

	externalIDs, err := r.findExternalIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	account.ExternalIDs = externalIDs

	return account, nil
}

// findExternalIDs はアカウントに紐づくidentityの外部IDをIdPごとに取得する。
func (r *PostgresUserRepo) findExternalIDs(ctx context.Context, userID string) (map[model.Provider]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT provider, provider_user_id FROM identities WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find identities: %w", err)
	}
	defer rows.Close()

	externalIDs := make(map[model.Provider]string)
	for rows.Next() {
		var provider, providerUserID string
		if err := rows.Scan(&provider, &providerUserID); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		externalIDs[model.Provider(provider)] = providerUserID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identities: %w", err)
	}

	return externalIDs, nil
}

// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
// identitiesの一意制約に違反した場合はErrDuplicateIdentityを返す。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// アカウントを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, avatar_url, provider, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.Email, account.DisplayName, account.AvatarURL, string(account.Provider), account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	// identityを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.UserID, string(identity.Provider), identity.ProviderUserID, identity.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
