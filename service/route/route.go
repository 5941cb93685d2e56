package route

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pigeon/tools/errs"
)

// DeviceRoute 一条 (user, device) -> gateway 绑定。
type DeviceRoute struct {
	UserID     string
	DeviceID   string
	GatewayID  string
	ExpireAtMS int64
}

// RefreshState Refresh 的三种结果。缺失和被他人持有必须可区分：
// 前者重新 Bind 是对的，后者重新 Bind 会抢掉更新的绑定。
type RefreshState int32

const (
	RefreshOK      RefreshState = iota // 续期成功
	RefreshMissing                     // 绑定不存在/已过期，调用方应重新 Bind
	RefreshHeld                        // 绑定被别的网关持有，不得覆盖
)

// Directory 路由目录：网关写、分发读。TTL 约束所有绑定，
// 网关崩溃不摘除也会自然过期。
type Directory interface {
	// Bind 建立/覆盖绑定并刷新 TTL。同一设备重连到新网关直接覆盖。
	Bind(ctx context.Context, userID, deviceID, gatewayID string) error
	// Refresh 心跳续期，只对自己持有的绑定生效。
	Refresh(ctx context.Context, userID, deviceID, gatewayID string) (RefreshState, error)
	// Unbind 条件摘除：仅当现值等于 gatewayID 才删。
	// 防止旧网关的延迟断开摘掉新网关刚写入的绑定。
	Unbind(ctx context.Context, userID, deviceID, gatewayID string) (bool, error)
	// ListDeviceRoutes 用户当前所有未过期的设备路由。
	ListDeviceRoutes(ctx context.Context, userID string) ([]*DeviceRoute, error)
}

// ===== Redis 实现 =====
// route:{userId}:{deviceId} -> gatewayId（带 TTL）
// ridx:{userId}             -> ZSET member=deviceId score=expireAtUnix

type RedisDirectory struct {
	rdb redis.UniversalClient
	ttl time.Duration

	luaUnbind *redis.Script
	luaList   *redis.Script
}

// 条件摘除：值匹配才删，并同步清索引。
// KEYS[1] = route key
// KEYS[2] = user index key
// ARGV[1] = expected gatewayId
// ARGV[2] = deviceId
// 返回：1 删除成功；0 值不匹配或键不存在
const luaUnbindRoute = `
local cur = redis.call("GET", KEYS[1])
if cur == ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("ZREM", KEYS[2], ARGV[2])
  return 1
end
if not cur then
  redis.call("ZREM", KEYS[2], ARGV[2])
end
return 0
`

// 清理过期成员并返回有效 deviceId 列表。
// KEYS[1] = user index key
// ARGV[1] = nowUnix
const luaListActive = `
local zKey = KEYS[1]
local now  = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", zKey, "-inf", now)
local actives = redis.call("ZRANGEBYSCORE", zKey, now + 1, "+inf", "WITHSCORES")
if redis.call("ZCARD", zKey) > 0 then
  redis.call("EXPIRE", zKey, 3600)
end
return actives
`

func NewRedisDirectory(rdb redis.UniversalClient, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &RedisDirectory{
		rdb:       rdb,
		ttl:       ttl,
		luaUnbind: redis.NewScript(luaUnbindRoute),
		luaList:   redis.NewScript(luaListActive),
	}
}

func (d *RedisDirectory) routeKey(userID, deviceID string) string {
	return fmt.Sprintf("route:{%s}:%s", userID, deviceID)
}

func (d *RedisDirectory) indexKey(userID string) string {
	return fmt.Sprintf("ridx:{%s}", userID)
}

func (d *RedisDirectory) Bind(ctx context.Context, userID, deviceID, gatewayID string) error {
	if userID == "" || deviceID == "" || gatewayID == "" {
		return errs.ErrArgs.WrapMsg("user/device/gateway required")
	}
	expAt := time.Now().Add(d.ttl).Unix()
	pipe := d.rdb.TxPipeline()
	pipe.Set(ctx, d.routeKey(userID, deviceID), gatewayID, d.ttl)
	pipe.ZAdd(ctx, d.indexKey(userID), redis.Z{Score: float64(expAt), Member: deviceID})
	pipe.Expire(ctx, d.indexKey(userID), d.ttl*2)
	_, err := pipe.Exec(ctx)
	return errs.Wrap(err)
}

func (d *RedisDirectory) Refresh(ctx context.Context, userID, deviceID, gatewayID string) (RefreshState, error) {
	cur, err := d.rdb.Get(ctx, d.routeKey(userID, deviceID)).Result()
	if err == redis.Nil {
		return RefreshMissing, nil
	}
	if err != nil {
		return RefreshMissing, errs.Wrap(err)
	}
	if cur != gatewayID {
		return RefreshHeld, nil
	}
	if err := d.Bind(ctx, userID, deviceID, gatewayID); err != nil {
		return RefreshMissing, err
	}
	return RefreshOK, nil
}

func (d *RedisDirectory) Unbind(ctx context.Context, userID, deviceID, gatewayID string) (bool, error) {
	n, err := d.luaUnbind.Run(ctx, d.rdb,
		[]string{d.routeKey(userID, deviceID), d.indexKey(userID)},
		gatewayID, deviceID).Int64()
	if err != nil {
		return false, errs.Wrap(err)
	}
	return n == 1, nil
}

func (d *RedisDirectory) ListDeviceRoutes(ctx context.Context, userID string) ([]*DeviceRoute, error) {
	now := time.Now().Unix()
	vals, err := d.luaList.Run(ctx, d.rdb, []string{d.indexKey(userID)}, now).StringSlice()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	// WITHSCORES: [member, score, member, score, ...]
	devices := make([]string, 0, len(vals)/2)
	expires := make([]int64, 0, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		devices = append(devices, vals[i])
		var exp float64
		_, _ = fmt.Sscanf(vals[i+1], "%f", &exp)
		expires = append(expires, int64(exp)*1000)
	}
	keys := make([]string, len(devices))
	for i, dev := range devices {
		keys[i] = d.routeKey(userID, dev)
	}
	gws, err := d.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	out := make([]*DeviceRoute, 0, len(devices))
	for i, dev := range devices {
		gw, ok := gws[i].(string)
		if !ok || gw == "" {
			// 索引存活但路由键先过期，跳过即可，下次 list 会清索引
			continue
		}
		out = append(out, &DeviceRoute{
			UserID:     userID,
			DeviceID:   dev,
			GatewayID:  gw,
			ExpireAtMS: expires[i],
		})
	}
	return out, nil
}
