package route

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisDir(t *testing.T, ttl time.Duration) (*RedisDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisDirectory(rdb, ttl), mr
}

func TestRedisBindAndList(t *testing.T) {
	dir, _ := newRedisDir(t, time.Minute)
	ctx := context.Background()

	if err := dir.Bind(ctx, "u1", "d1", "gw-1"); err != nil {
		t.Fatal(err)
	}
	if err := dir.Bind(ctx, "u1", "d2", "gw-2"); err != nil {
		t.Fatal(err)
	}

	routes, err := dir.ListDeviceRoutes(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(routes))
	}
	byDev := map[string]string{}
	for _, r := range routes {
		byDev[r.DeviceID] = r.GatewayID
	}
	if byDev["d1"] != "gw-1" || byDev["d2"] != "gw-2" {
		t.Fatalf("routes = %v", byDev)
	}
}

func TestRedisRebindOverwrites(t *testing.T) {
	dir, _ := newRedisDir(t, time.Minute)
	ctx := context.Background()

	if err := dir.Bind(ctx, "u1", "d1", "gw-1"); err != nil {
		t.Fatal(err)
	}
	// 设备迁移到新网关，同键覆盖
	if err := dir.Bind(ctx, "u1", "d1", "gw-2"); err != nil {
		t.Fatal(err)
	}
	routes, err := dir.ListDeviceRoutes(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].GatewayID != "gw-2" {
		t.Fatalf("routes = %+v", routes)
	}
}

func TestRedisConditionalUnbind(t *testing.T) {
	dir, _ := newRedisDir(t, time.Minute)
	ctx := context.Background()

	if err := dir.Bind(ctx, "u1", "d1", "gw-2"); err != nil {
		t.Fatal(err)
	}

	// 旧网关延迟断开回调：值已是 gw-2，不得摘除
	removed, err := dir.Unbind(ctx, "u1", "d1", "gw-1")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("unbind with stale gateway must not remove")
	}
	routes, _ := dir.ListDeviceRoutes(ctx, "u1")
	if len(routes) != 1 {
		t.Fatalf("route lost after stale unbind")
	}

	// 当前网关摘除生效
	removed, err = dir.Unbind(ctx, "u1", "d1", "gw-2")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("unbind with current gateway must remove")
	}
	routes, _ = dir.ListDeviceRoutes(ctx, "u1")
	if len(routes) != 0 {
		t.Fatalf("routes = %d, want 0", len(routes))
	}
}

func TestRedisRouteTTLExpiry(t *testing.T) {
	dir, mr := newRedisDir(t, 10*time.Second)
	ctx := context.Background()

	if err := dir.Bind(ctx, "u1", "d1", "gw-1"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(11 * time.Second)

	routes, err := dir.ListDeviceRoutes(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 0 {
		t.Fatalf("expired route still listed: %+v", routes)
	}
}

func TestRedisRefresh(t *testing.T) {
	dir, _ := newRedisDir(t, time.Minute)
	ctx := context.Background()

	// 未绑定：missing，调用方应重新 Bind
	state, err := dir.Refresh(ctx, "u1", "d1", "gw-1")
	if err != nil {
		t.Fatal(err)
	}
	if state != RefreshMissing {
		t.Fatalf("state = %v, want missing", state)
	}

	if err := dir.Bind(ctx, "u1", "d1", "gw-1"); err != nil {
		t.Fatal(err)
	}
	state, err = dir.Refresh(ctx, "u1", "d1", "gw-1")
	if err != nil || state != RefreshOK {
		t.Fatalf("refresh state=%v err=%v", state, err)
	}
	// 别的网关刷到 held，绝不能当 missing 去重写
	state, err = dir.Refresh(ctx, "u1", "d1", "gw-2")
	if err != nil {
		t.Fatal(err)
	}
	if state != RefreshHeld {
		t.Fatalf("state = %v, want held", state)
	}
}

// ===== 内存实现，同一组语义 =====

func TestMemDirectorySemantics(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	dir := NewMemDirectory(10 * time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := dir.Bind(ctx, "u1", "d1", "gw-1"); err != nil {
		t.Fatal(err)
	}

	if removed, _ := dir.Unbind(ctx, "u1", "d1", "gw-x"); removed {
		t.Fatal("conditional unbind mismatch must not remove")
	}

	// Refresh 同样区分自己持有/别人持有/不存在
	if state, _ := dir.Refresh(ctx, "u1", "d1", "gw-1"); state != RefreshOK {
		t.Fatalf("refresh own bind state = %v, want ok", state)
	}
	if state, _ := dir.Refresh(ctx, "u1", "d1", "gw-x"); state != RefreshHeld {
		t.Fatalf("refresh foreign bind state = %v, want held", state)
	}
	if state, _ := dir.Refresh(ctx, "u1", "d-none", "gw-1"); state != RefreshMissing {
		t.Fatalf("refresh unknown device state = %v, want missing", state)
	}

	routes, _ := dir.ListDeviceRoutes(ctx, "u1")
	if len(routes) != 1 {
		t.Fatalf("routes = %d, want 1", len(routes))
	}

	// TTL 过后路由不可见
	now = now.Add(11 * time.Second)
	routes, _ = dir.ListDeviceRoutes(ctx, "u1")
	if len(routes) != 0 {
		t.Fatalf("expired routes = %d, want 0", len(routes))
	}
}
