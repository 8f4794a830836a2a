package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig 描述 Redis 存储后端的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeySpace  string
	DialCheck bool
}

// RedisStore 使用 Redis 的原生过期语义实现 Store，供多进程部署共享缓存。
type RedisStore struct {
	client   *redis.Client
	keySpace string
}

// NewRedisStore 创建 Redis 存储实例。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	keySpace := cfg.KeySpace
	if keySpace == "" {
		keySpace = "ecash:cache"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if cfg.DialCheck {
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
	}
	return &RedisStore{client: client, keySpace: keySpace}, nil
}

func (s *RedisStore) fullKey(key string) string {
	return s.keySpace + ":" + key
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("Redis 读取缓存失败: %w", err)
	}
	return payload, true, nil
}

// Set 实现 Store 接口，过期交给 Redis 的 PX 语义。
func (s *RedisStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.fullKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入缓存失败: %w", err)
	}
	return nil
}

// Delete 实现 Store 接口。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("Redis 删除缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
