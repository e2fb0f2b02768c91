// Package cleanup は不要になったセッションの削除ジョブを提供する。
// 期限切れまたは失効から保持期間（デフォルト7日）を超過したセッションを
// 日次バッチで削除する。Redisストアではキー自体にTTLがあるため使用しない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SessionCleanupJob は不要セッションの削除ジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type SessionCleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 期限切れ・失効後の保持日数（デフォルト: 7）
}

// NewSessionCleanupJob は新しいSessionCleanupJobを生成する。
func NewSessionCleanupJob(db Executor, logger *slog.Logger) *SessionCleanupJob {
	return &SessionCleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 7,
	}
}

// Run は保持期間を超過したセッションを削除する。
// 有効なセッションは期限・失効のどちらの条件にも該当しないため削除されない。
func (j *SessionCleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM sessions
		WHERE expires_at < now() - $1::interval
		   OR revoked_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
