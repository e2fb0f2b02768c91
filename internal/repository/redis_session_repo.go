package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/pixsearch/internal/model"
)

// defaultRedisKeyPrefix はセッションキーの既定プレフィックス。
const defaultRedisKeyPrefix = "pixsearch:session:"

// セッションハッシュのフィールド名
const (
	fieldUserID    = "user_id"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
	fieldRevokedAt = "revoked_at"
)

// revokeScript はキーが存在する場合のみrevoked_atを設定する。
// HSETNXだけでは存在しないキーを作成してしまうため、スクリプトで原子的に判定する。
var revokeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2])
end
return 0
`)

// extendScript は失効していないセッションの有効期限とキーTTLを更新する。
var extendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 and redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
  redis.call("HSET", KEYS[1], ARGV[2], ARGV[3])
  redis.call("PEXPIREAT", KEYS[1], ARGV[4])
  return 1
end
return 0
`)

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// セッションは1キー1ハッシュで保持し、キーTTLを有効期限に合わせる。
type RedisSessionRepo struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。
func NewRedisSessionRepo(client *redis.Client) *RedisSessionRepo {
	return &RedisSessionRepo{client: client, prefix: defaultRedisKeyPrefix}
}

// NewRedisSessionRepoWithURL はRedis URLからRedisSessionRepoを生成する。
func NewRedisSessionRepoWithURL(url string) (*RedisSessionRepo, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewRedisSessionRepo(redis.NewClient(opts)), nil
}

// Ping はRedisへの疎通を確認する。
func (r *RedisSessionRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close はRedis接続を閉じる。
func (r *RedisSessionRepo) Close() error {
	return r.client.Close()
}

func (r *RedisSessionRepo) key(id string) string {
	return r.prefix + id
}

// Create はセッションを作成する。
func (r *RedisSessionRepo) Create(ctx context.Context, session *model.Session) error {
	key := r.key(session.ID)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		fieldUserID, session.UserID,
		fieldCreatedAt, formatUnixNano(session.CreatedAt),
		fieldExpiresAt, formatUnixNano(session.ExpiresAt),
	)
	pipe.PExpireAt(ctx, key, session.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	values, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	createdAt, err := parseUnixNano(values[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at in session %s: %w", id, err)
	}
	expiresAt, err := parseUnixNano(values[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at in session %s: %w", id, err)
	}

	session := &model.Session{
		ID:        id,
		UserID:    values[fieldUserID],
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	if raw, ok := values[fieldRevokedAt]; ok {
		revokedAt, err := parseUnixNano(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid revoked_at in session %s: %w", id, err)
		}
		session.RevokedAt = &revokedAt
	}

	return session, nil
}

// Revoke はセッションを失効済みにする。存在しないキーは作成しない。
// スクリプトはrevoked_atを新たに設定した場合のみ1を返す。
func (r *RedisSessionRepo) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := revokeScript.Run(ctx, r.client, []string{r.key(id)}, fieldRevokedAt, formatUnixNano(at)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	return n == 1, nil
}

// Extend は失効していないセッションの有効期限を更新する。
func (r *RedisSessionRepo) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	err := extendScript.Run(ctx, r.client, []string{r.key(id)},
		fieldRevokedAt, fieldExpiresAt, formatUnixNano(expiresAt), expiresAt.UnixMilli(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	return nil
}

func formatUnixNano(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseUnixNano(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
