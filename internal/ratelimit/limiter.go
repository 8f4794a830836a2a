package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	xerrors "EasyCash-Core/internal/errors"
)

// Config 配置固定窗口限流器。
type Config struct {
	// MaxRequests 是单个窗口内允许的最大请求数。
	MaxRequests int
	// Window 是限流窗口的时长。
	Window time.Duration
	// Enabled 为 false 时放行所有请求。
	Enabled bool
}

// DefaultConfig 返回每分钟 100 次请求的默认配置。
func DefaultConfig() Config {
	return Config{MaxRequests: 100, Window: time.Minute, Enabled: true}
}

// Limiter 按固定窗口统计请求数，超出上限的请求被拒绝。
type Limiter struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// New 创建一个限流器。非法配置回落到默认值。
func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultConfig().MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Limiter{cfg: cfg, now: time.Now}
}

// Disabled 返回一个永远放行的限流器。
func Disabled() *Limiter {
	cfg := DefaultConfig()
	cfg.Enabled = false
	return New(cfg)
}

// Allow 判断当前请求是否放行，超限时返回 RATE_LIMITED 错误。
func (l *Limiter) Allow() error {
	if !l.cfg.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.cfg.Window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.cfg.MaxRequests {
		retryAfter := l.cfg.Window - now.Sub(l.windowStart)
		return xerrors.New(xerrors.CodeRateLimited, "请求超出限流窗口上限",
			xerrors.WithMetadata("max_requests", strconv.Itoa(l.cfg.MaxRequests)),
			xerrors.WithMetadata("retry_after_ms", strconv.FormatInt(retryAfter.Milliseconds(), 10)),
		)
	}
	l.count++
	return nil
}

// Wait 阻塞到下一个窗口开放或上下文取消。
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		err := l.Allow()
		if err == nil {
			return nil
		}
		if xerrors.CodeOf(err) != xerrors.CodeRateLimited {
			return err
		}

		l.mu.Lock()
		wait := l.cfg.Window - l.now().Sub(l.windowStart)
		l.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待限流窗口被取消")
		case <-timer.C:
		}
	}
}

// Remaining 返回当前窗口剩余的可用额度，诊断接口使用。
func (l *Limiter) Remaining() int {
	if !l.cfg.Enabled {
		return l.cfg.MaxRequests
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.windowStart.IsZero() || l.now().Sub(l.windowStart) >= l.cfg.Window {
		return l.cfg.MaxRequests
	}
	remaining := l.cfg.MaxRequests - l.count
	if remaining < 0 {
		return 0
	}
	return remaining
}
