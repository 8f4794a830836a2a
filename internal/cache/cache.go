// Package cache 提供带 TTL 的泛型缓存，并在进程内对同键并发计算做单飞去重。
// 编排器用它包住路由协商与证明生成这两类昂贵计算：相同指纹的并发请求
// 只会触发一次计算，其余调用方等待同一个结果。
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/pkg/logger"
)

// flight 表示一次正在进行的计算。done 关闭后结果可读。
type flight struct {
	done chan struct{}
	val  []byte
	err  error
	// abandoned 表示计算方在完成前被取消，等待方应接管计算而不是沿用错误。
	abandoned bool
}

// Cache 将 Store 与单飞去重组合成 get-or-compute 语义的缓存。
// purpose 作为键前缀隔离不同用途（路由、证明）的键空间。
type Cache[V any] struct {
	purpose string
	store   Store
	logger  *slog.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// New 创建一个缓存实例。store 由调用方负责关闭。
func New[V any](purpose string, store Store) *Cache[V] {
	return &Cache[V]{
		purpose: purpose,
		store:   store,
		logger:  logger.Named("cache"),
		flights: make(map[string]*flight),
	}
}

// GetOrCompute 返回缓存中未过期的值；不命中时在同键并发调用中恰好执行一次
// compute，成功结果按 ttl 写入存储并广播给所有等待方。compute 失败时不落盘，
// 错误传播给当前所有等待方。若计算方在完成前被取消，幸存的等待方接管计算，
// 等待方永远不会无限期挂起。
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (V, error)) (V, error) {
	var zero V
	fullKey := c.purpose + ":" + key

	for {
		if err := ctx.Err(); err != nil {
			return zero, xerrors.Wrap(xerrors.CodeCancelled, err, "缓存读取被取消")
		}

		// 存储命中为快速路径；后端读失败按未命中处理并记录。
		if payload, ok, err := c.store.Get(ctx, fullKey); err != nil {
			c.logger.Warn("缓存后端读取失败，按未命中处理",
				slog.String("purpose", c.purpose), slog.Any("error", err))
		} else if ok {
			var val V
			if err := json.Unmarshal(payload, &val); err != nil {
				c.logger.Warn("缓存载荷解码失败，作废该条目",
					slog.String("purpose", c.purpose), slog.Any("error", err))
				_ = c.store.Delete(ctx, fullKey)
			} else {
				return val, nil
			}
		}

		c.mu.Lock()
		if inflight, ok := c.flights[fullKey]; ok {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return zero, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待共享计算时被取消")
			case <-inflight.done:
			}
			if inflight.abandoned {
				// 计算方被取消，回到循环开头尝试接管。
				continue
			}
			if inflight.err != nil {
				return zero, inflight.err
			}
			var val V
			if err := json.Unmarshal(inflight.val, &val); err != nil {
				return zero, fmt.Errorf("解码共享计算结果失败: %w", err)
			}
			return val, nil
		}

		current := &flight{done: make(chan struct{})}
		c.flights[fullKey] = current
		c.mu.Unlock()

		val, err := compute(ctx)
		if err == nil {
			payload, marshalErr := json.Marshal(val)
			if marshalErr != nil {
				err = fmt.Errorf("编码计算结果失败: %w", marshalErr)
			} else {
				current.val = payload
				if setErr := c.store.Set(ctx, fullKey, payload, ttl); setErr != nil {
					c.logger.Warn("缓存后端写入失败，结果仅返回本轮调用方",
						slog.String("purpose", c.purpose), slog.Any("error", setErr))
				}
			}
		}
		if err != nil && ctx.Err() != nil {
			current.abandoned = true
		}
		current.err = err

		c.mu.Lock()
		delete(c.flights, fullKey)
		c.mu.Unlock()
		close(current.done)

		if err != nil {
			if current.abandoned {
				return zero, xerrors.Wrap(xerrors.CodeCancelled, err, "计算在完成前被取消")
			}
			return zero, err
		}
		return val, nil
	}
}

// Invalidate 立即移除条目，不论 TTL 是否到期。
func (c *Cache[V]) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.purpose+":"+key)
}
