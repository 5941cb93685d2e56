package route

import (
	"context"
	"sync"
	"time"
)

// CachedDirectory 分发侧短 TTL 读缓存，扛突发读放大。
// 缓存陈旧的代价是投到已迁移的网关，投递层按离线回退兜底，
// 所以 TTL 必须保持在秒级。
type CachedDirectory struct {
	inner Directory
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	routes    []*DeviceRoute
	expiresAt time.Time
}

func NewCachedDirectory(inner Directory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &CachedDirectory{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
	}
}

// WithClock 单测注入时钟。
func (c *CachedDirectory) WithClock(now func() time.Time) *CachedDirectory {
	c.now = now
	return c
}

func (c *CachedDirectory) ListDeviceRoutes(ctx context.Context, userID string) ([]*DeviceRoute, error) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.routes, nil
	}
	routes, err := c.inner.ListDeviceRoutes(ctx, userID)
	if err != nil {
		// 回源失败时宁可用陈旧缓存也不把读放大打到目录上
		if ok {
			return e.routes, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.entries[userID] = &cacheEntry{routes: routes, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return routes, nil
}

// Invalidate 绑定变化时主动失效（网关断开回调用）。
func (c *CachedDirectory) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// 写操作直通，并顺带失效本地缓存。

func (c *CachedDirectory) Bind(ctx context.Context, userID, deviceID, gatewayID string) error {
	err := c.inner.Bind(ctx, userID, deviceID, gatewayID)
	c.Invalidate(userID)
	return err
}

func (c *CachedDirectory) Refresh(ctx context.Context, userID, deviceID, gatewayID string) (RefreshState, error) {
	return c.inner.Refresh(ctx, userID, deviceID, gatewayID)
}

func (c *CachedDirectory) Unbind(ctx context.Context, userID, deviceID, gatewayID string) (bool, error) {
	ok, err := c.inner.Unbind(ctx, userID, deviceID, gatewayID)
	c.Invalidate(userID)
	return ok, err
}
