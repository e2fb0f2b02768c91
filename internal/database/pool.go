package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Connector は接続確立済みの*sql.DBを返す関数。
type Connector func(ctx context.Context) (*sql.DB, error)

// Pool はプロセス全体で共有するDBハンドルを保持する。
// 初回接続中に同時に呼び出された場合、全員が同じ接続試行の結果を待つ。
// 接続に失敗した場合はキャッシュせず、次の呼び出しで再試行する。
type Pool struct {
	connect Connector
	group   singleflight.Group

	mu sync.RWMutex
	db *sql.DB
}

// NewPool はdatabaseURLのPostgreSQLに接続するPoolを生成する。
// 接続はDBの初回呼び出しまで行わない。
func NewPool(databaseURL string) *Pool {
	return NewPoolWithConnector(func(ctx context.Context) (*sql.DB, error) {
		db, err := Open(databaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db, nil
	})
}

// NewPoolWithConnector は任意のConnectorを使うPoolを生成する。
func NewPoolWithConnector(connect Connector) *Pool {
	return &Pool{connect: connect}
}

// DB は共有DBハンドルを返す。未接続の場合は接続を確立する。
func (p *Pool) DB(ctx context.Context) (*sql.DB, error) {
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db != nil {
		return db, nil
	}

	v, err, shared := p.group.Do("connect", func() (interface{}, error) {
		// 先行する接続試行が完了していれば再利用する
		p.mu.RLock()
		existing := p.db
		p.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		db, err := p.connect(ctx)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.db = db
		p.mu.Unlock()

		slog.Info("database connection established")
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("joined in-flight database connection")
	}

	return v.(*sql.DB), nil
}

// PingContext は共有DBハンドルの疎通を確認する。ヘルスチェック用。
func (p *Pool) PingContext(ctx context.Context) error {
	db, err := p.DB(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close は確立済みの接続を閉じる。未接続の場合は何もしない。
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
