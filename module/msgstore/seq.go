package msgstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pigeon/tools/errs"
)

// Sequencer 会话内发号器：严格递增，首条为 1。
// 全局唯一的串行化点；不可用时整个 persist 失败，绝不本地造号。
type Sequencer interface {
	Next(ctx context.Context, sessionID string) (int64, error)
	// ReconcileAndNext 计数器疑似回退（落库撞 seq 唯一键）时，
	// 按库内 max(seq) 矫正后取号。只升不降。
	ReconcileAndNext(ctx context.Context, sessionID string, dbMax int64) (int64, error)
}

// ===== Redis 实现 =====
// 多个 Store 实例对同一会话必须看到同一个计数器，所以落在集中式 Redis 上，
// INCR 天然原子。冷启动用 DB max(seq) 校准，加锁防初始化风暴。

type RedisSequencer struct {
	rdb        redis.UniversalClient
	store      Store // 冷启动回源
	seqPrefix  string
	lockPrefix string
	lockTTL    time.Duration
	spinWait   time.Duration
}

func NewRedisSequencer(rdb redis.UniversalClient, store Store) *RedisSequencer {
	return &RedisSequencer{
		rdb:        rdb,
		store:      store,
		seqPrefix:  "im:seq",
		lockPrefix: "im:seq:init",
		lockTTL:    10 * time.Second,
		spinWait:   50 * time.Millisecond,
	}
}

func (a *RedisSequencer) seqKey(sessionID string) string {
	return fmt.Sprintf("%s:%s", a.seqPrefix, sessionID)
}
func (a *RedisSequencer) lockKey(sessionID string) string {
	return fmt.Sprintf("%s:%s", a.lockPrefix, sessionID)
}

// Next：redis 未初始化（无键）时先校准到 DB max(seq) 再 INCR。
func (a *RedisSequencer) Next(ctx context.Context, sessionID string) (int64, error) {
	key := a.seqKey(sessionID)
	if err := a.rdb.Get(ctx, key).Err(); err == nil {
		v, err := a.rdb.Incr(ctx, key).Result()
		if err != nil {
			return 0, errs.ErrSeqUnavailable.WrapMsg("incr failed", "session", sessionID)
		}
		return v, nil
	} else if err != redis.Nil {
		return 0, errs.ErrSeqUnavailable.WrapMsg(err.Error(), "session", sessionID)
	}
	if err := a.initIfNeeded(ctx, sessionID); err != nil {
		return 0, err
	}
	v, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, errs.ErrSeqUnavailable.WrapMsg("incr failed", "session", sessionID)
	}
	return v, nil
}

func (a *RedisSequencer) initIfNeeded(ctx context.Context, sessionID string) error {
	key := a.seqKey(sessionID)
	if err := a.rdb.Get(ctx, key).Err(); err == nil {
		return nil
	}
	// 加锁防止初始化风暴
	lock := a.lockKey(sessionID)
	token := uuid.NewString()
	ok, err := a.rdb.SetNX(ctx, lock, token, a.lockTTL).Result()
	if err != nil {
		return errs.ErrSeqUnavailable.WrapMsg(err.Error(), "session", sessionID)
	}
	if !ok {
		timer := time.NewTimer(a.spinWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := a.rdb.Get(ctx, key).Err(); err == nil {
			return nil
		}
		return errs.ErrSeqUnavailable.WrapMsg("seq init contention, retry", "session", sessionID)
	}
	defer func() { _ = unlock(ctx, a.rdb, lock, token) }()

	// 双检
	if err := a.rdb.Get(ctx, key).Err(); err == nil {
		return nil
	}
	maxSeq, err := a.store.MaxSeq(ctx, sessionID)
	if err != nil {
		return errs.ErrStorage.WrapMsg("query max seq", "session", sessionID)
	}
	if err := a.rdb.SetNX(ctx, key, maxSeq, 0).Err(); err != nil {
		return errs.ErrSeqUnavailable.WrapMsg(err.Error(), "session", sessionID)
	}
	return nil
}

// 发现落后时：只升不降，矫正后 INCR 取新号（seq 唯一键冲突兜底用）。
var reconcileAndNextLua = redis.NewScript(`
local k = KEYS[1]
local dbMax = tonumber(ARGV[1])
local v = redis.call('GET', k)
if (not v) or (tonumber(v) < dbMax) then
  redis.call('SET', k, dbMax)
end
return redis.call('INCR', k)
`)

func (a *RedisSequencer) ReconcileAndNext(ctx context.Context, sessionID string, dbMax int64) (int64, error) {
	return reconcileAndNextLua.Run(ctx, a.rdb, []string{a.seqKey(sessionID)}, dbMax).Int64()
}

// 比对 token 再删，避免释放别人的锁。
var unlockLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func unlock(ctx context.Context, rdb redis.UniversalClient, key, token string) error {
	return unlockLua.Run(ctx, rdb, []string{key}, token).Err()
}

// ===== 内存实现（单测）=====

type MemSequencer struct {
	mu   sync.Mutex
	seqs map[string]int64
	fail error // 注入故障：发号器不可用场景
}

func NewMemSequencer() *MemSequencer {
	return &MemSequencer{seqs: make(map[string]int64)}
}

func (m *MemSequencer) Next(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	m.seqs[sessionID]++
	return m.seqs[sessionID], nil
}

func (m *MemSequencer) ReconcileAndNext(ctx context.Context, sessionID string, dbMax int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	if m.seqs[sessionID] < dbMax {
		m.seqs[sessionID] = dbMax
	}
	m.seqs[sessionID]++
	return m.seqs[sessionID], nil
}

// Fail 注入/清除故障。
func (m *MemSequencer) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}
