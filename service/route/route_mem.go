package route

import (
	"context"
	"sync"
	"time"
)

// MemDirectory 内存实现（单测/本地联调），时钟可注入以测 TTL 过期。
type MemDirectory struct {
	mu     sync.RWMutex
	ttl    time.Duration
	routes map[string]map[string]*DeviceRoute // userID -> deviceID -> route
	now    func() time.Time
}

func NewMemDirectory(ttl time.Duration) *MemDirectory {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &MemDirectory{
		ttl:    ttl,
		routes: make(map[string]map[string]*DeviceRoute),
		now:    time.Now,
	}
}

// WithClock 单测注入时钟。
func (d *MemDirectory) WithClock(now func() time.Time) *MemDirectory {
	d.now = now
	return d
}

func (d *MemDirectory) Bind(ctx context.Context, userID, deviceID, gatewayID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.routes[userID] == nil {
		d.routes[userID] = make(map[string]*DeviceRoute)
	}
	d.routes[userID][deviceID] = &DeviceRoute{
		UserID:     userID,
		DeviceID:   deviceID,
		GatewayID:  gatewayID,
		ExpireAtMS: d.now().Add(d.ttl).UnixMilli(),
	}
	return nil
}

func (d *MemDirectory) Refresh(ctx context.Context, userID, deviceID, gatewayID string) (RefreshState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.get(userID, deviceID)
	if r == nil {
		return RefreshMissing, nil
	}
	if r.GatewayID != gatewayID {
		return RefreshHeld, nil
	}
	r.ExpireAtMS = d.now().Add(d.ttl).UnixMilli()
	return RefreshOK, nil
}

func (d *MemDirectory) Unbind(ctx context.Context, userID, deviceID, gatewayID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.get(userID, deviceID)
	if r == nil || r.GatewayID != gatewayID {
		return false, nil
	}
	delete(d.routes[userID], deviceID)
	return true, nil
}

func (d *MemDirectory) ListDeviceRoutes(ctx context.Context, userID string) ([]*DeviceRoute, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nowMS := d.now().UnixMilli()
	var out []*DeviceRoute
	for dev, r := range d.routes[userID] {
		if r.ExpireAtMS <= nowMS {
			delete(d.routes[userID], dev)
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// 调用方必须持锁。过期的绑定视同不存在。
func (d *MemDirectory) get(userID, deviceID string) *DeviceRoute {
	r, ok := d.routes[userID][deviceID]
	if !ok {
		return nil
	}
	if r.ExpireAtMS <= d.now().UnixMilli() {
		delete(d.routes[userID], deviceID)
		return nil
	}
	return r
}
