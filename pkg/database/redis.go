package database

import (
	"context"
	"time"

	"bidding-kb-go/internal/config"
	"bidding-kb-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// RDB 承载文件租约、上传去重租约和任务失败计数。
var RDB *redis.Client

const redisPingTimeout = 5 * time.Second

// InitRedis 连接 Redis，失败时退出进程。
func InitRedis(cfg config.RedisConfig) {
	client, err := OpenRedis(context.Background(), cfg)
	if err != nil {
		log.Fatal("failed to connect to redis", err)
	}
	RDB = client
	log.Infof("Redis client connected, addr: %s, db: %d", cfg.Addr, cfg.DB)
}

// OpenRedis 创建客户端并 Ping 一次。
// 每个流水线 worker 会长期持有一个续期中的租约，PoolSize 为 0 时使用 go-redis 的默认值。
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
