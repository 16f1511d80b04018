package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// LeaseRepository 提供按键的互斥租约。
// 流水线用文件 id 作键，上传入口用内容哈希和原始文件名作键。
type LeaseRepository interface {
	// Acquire 尝试获取租约，被占用时返回 ok=false。
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Extend 续期，仅当 token 仍持有租约时生效。
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release 释放租约，token 不匹配时不做任何事。
	Release(ctx context.Context, key, token string) error
}

type redisLeaseRepository struct {
	rdb *redis.Client
}

// NewLeaseRepository 创建基于 Redis 的租约仓储。
func NewLeaseRepository(rdb *redis.Client) LeaseRepository {
	return &redisLeaseRepository{rdb: rdb}
}

// 比较后删除 / 比较后续期，保证只有持有者能操作租约。
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

func leaseKey(key string) string {
	return fmt.Sprintf("lease:%s", key)
}

func (r *redisLeaseRepository) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *redisLeaseRepository) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.rdb, []string{leaseKey(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

func (r *redisLeaseRepository) Release(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, r.rdb, []string{leaseKey(key)}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
