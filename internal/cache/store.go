package cache

import (
	"context"
	"sync"
	"time"
)

// Store 定义 TTL 键值缓存的存储后端。实现必须保证过期条目对读取方不可见。
type Store interface {
	// Get 返回键对应的载荷；过期或不存在时 ok 为 false。
	Get(ctx context.Context, key string) (payload []byte, ok bool, err error)
	// Set 写入载荷并设置存活时间。
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// Delete 立即移除条目，不论是否过期。
	Delete(ctx context.Context, key string) error
	// Close 释放后端资源。
	Close() error
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryStore 是进程内的 TTL 存储，读取时惰性判定过期。
// 可选的后台清扫协程只负责回收内存，正确性不依赖它。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	sweep   time.Duration
	stop    chan struct{}
	stopped sync.Once
}

// MemoryStoreOption 定义可选配置。
type MemoryStoreOption func(*MemoryStore)

// WithSweepInterval 启用后台清扫并指定扫描间隔。
func WithSweepInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if interval > 0 {
			s.sweep = interval
		}
	}
}

// NewMemoryStore 创建内存存储实例。
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.sweep > 0 {
		go s.runSweeper()
	}
	return s
}

// Get 实现 Store 接口。
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.After(time.Now()) {
		// 过期条目惰性回收。
		s.mu.Lock()
		if current, still := s.entries[key]; still && !current.expiresAt.After(time.Now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return entry.payload, true, nil
}

// Set 实现 Store 接口。
func (s *MemoryStore) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	clone := make([]byte, len(payload))
	copy(clone, payload)
	s.mu.Lock()
	s.entries[key] = memoryEntry{payload: clone, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete 实现 Store 接口。
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Close 停止后台清扫。
func (s *MemoryStore) Close() error {
	s.stopped.Do(func() { close(s.stop) })
	return nil
}

// Len 返回当前条目数量，含尚未回收的过期条目，仅用于测试与指标。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) runSweeper() {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, entry := range s.entries {
				if !entry.expiresAt.After(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
