package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/pixsearch/internal/model"
)

// PostgresSearchRepo はPostgreSQLを使用した検索履歴リポジトリ。
type PostgresSearchRepo struct {
	db *sql.DB
}

// NewPostgresSearchRepo はPostgresSearchRepoを生成する。
func NewPostgresSearchRepo(db *sql.DB) *PostgresSearchRepo {
	return &PostgresSearchRepo{db: db}
}

// Create は検索履歴を1件記録する。
func (r *PostgresSearchRepo) Create(ctx context.Context, search *model.Search) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO searches (id, user_id, term, created_at)
		 VALUES ($1, $2, $3, $4)`,
		search.ID, search.UserID, search.Term, search.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create search: %w", err)
	}
	return nil
}

// ListByUserID はユーザーの検索履歴を新しい順にlimit件まで返す。
func (r *PostgresSearchRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.Search, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, term, created_at
		 FROM searches
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list searches: %w", err)
	}
	defer rows.Close()

	searches := make([]*model.Search, 0, limit)
	for rows.Next() {
		s := &model.Search{}
		if err := rows.Scan(&s.ID, &s.UserID, &s.Term, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan search: %w", err)
		}
		searches = append(searches, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate searches: %w", err)
	}

	return searches, nil
}

// TopTerms は全ユーザーの検索語を件数の多い順にlimit件まで返す。
// 件数が同じ場合は検索語の辞書順で並べる。
func (r *PostgresSearchRepo) TopTerms(ctx context.Context, limit int) ([]model.TermCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT term, COUNT(*) AS count
		 FROM searches
		 GROUP BY term
		 ORDER BY count DESC, term ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate top terms: %w", err)
	}
	defer rows.Close()

	terms := make([]model.TermCount, 0, limit)
	for rows.Next() {
		var tc model.TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan term count: %w", err)
		}
		terms = append(terms, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate term counts: %w", err)
	}

	return terms, nil
}

// compile-time interface check
var _ SearchRepository = (*PostgresSearchRepo)(nil)
