package msgstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/service/social"
	"pigeon/tools/safe"
)

// WorkerConf 扇出/outbox 轮询共用配置。
type WorkerConf struct {
	PoolSize     int           // 并发处理上限
	BatchSize    int           // 单次领取条数
	MaxRetry     int32         // 超过即终态 failed
	PollInterval time.Duration // 空轮询间隔
	Lease        time.Duration // processing 失联回收租约
	CallTimeout  time.Duration // 单任务下游调用超时
	Clock        func() int64  // 毫秒时钟，可注入
}

func (c *WorkerConf) norm() {
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 6
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = func() int64 { return time.Now().UnixMilli() }
	}
}

// FanoutWorker 把"会话 X 来了条消息"展开成每个活跃成员一行离线索引。
// 多实例并发跑：领取靠条件更新，只有一个赢家，不依赖选主。
type FanoutWorker struct {
	store Store
	dir   social.Directory
	conf  WorkerConf

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewFanoutWorker(store Store, dir social.Directory, conf WorkerConf) *FanoutWorker {
	conf.norm()
	return &FanoutWorker{
		store:  store,
		dir:    dir,
		conf:   conf,
		stopCh: make(chan struct{}),
	}
}

func (w *FanoutWorker) Start() {
	safe.Go("fanout-worker", w.run)
}

func (w *FanoutWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *FanoutWorker) run() {
	t := time.NewTicker(w.conf.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			n := w.PollOnce(context.Background())
			// 还有积压就立刻继续，不等下一个 tick
			for n > 0 {
				select {
				case <-w.stopCh:
					return
				default:
				}
				n = w.PollOnce(context.Background())
			}
		}
	}
}

// PollOnce 领取一批并并发处理，返回处理条数。
func (w *FanoutWorker) PollOnce(ctx context.Context) int {
	now := w.conf.Clock()
	tasks, err := w.store.ClaimFanoutTasks(ctx, w.conf.BatchSize, now, w.conf.Lease.Milliseconds())
	if err != nil {
		logger.Error("claim fanout tasks failed", zap.Error(err))
		return 0
	}
	if len(tasks) == 0 {
		return 0
	}

	sem := make(chan struct{}, w.conf.PoolSize)
	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			w.ProcessTask(ctx, t)
		}()
	}
	wg.Wait()
	return len(tasks)
}

// ProcessTask 单任务：查成员 → 批量幂等插索引 → done。
// 同一任务重跑不会产生重复索引行，也不会失败。
func (w *FanoutWorker) ProcessTask(ctx context.Context, t *FanoutTask) {
	cctx, cancel := context.WithTimeout(ctx, w.conf.CallTimeout)
	members, err := w.dir.ListActiveSessionMembers(cctx, t.SessionID)
	cancel()
	if err != nil {
		// 目录不可达：任务级重试，不丢
		w.retryOrFail(ctx, t, err)
		return
	}

	rows := make([]*UserMessageIndex, 0, len(members))
	for _, uid := range members {
		rows = append(rows, &UserMessageIndex{
			UserID:    uid,
			SessionID: t.SessionID,
			MsgID:     t.MsgID,
			Seq:       t.Seq,
			ReadState: 0,
		})
	}
	if err := w.store.InsertIndexIgnoreDup(ctx, rows); err != nil {
		w.retryOrFail(ctx, t, err)
		return
	}
	if err := w.store.MarkFanoutDone(ctx, t.ID); err != nil {
		logger.Error("mark fanout done failed", zap.Int64("task_id", t.ID), zap.Error(err))
	}
}

func (w *FanoutWorker) retryOrFail(ctx context.Context, t *FanoutTask, cause error) {
	retry := t.RetryCount + 1
	if retry >= w.conf.MaxRetry {
		logger.Error("fanout task failed terminally",
			zap.Int64("task_id", t.ID),
			zap.String("session_id", t.SessionID),
			zap.Int64("msg_id", t.MsgID),
			zap.Int32("retry_count", retry),
			zap.Error(cause))
		if err := w.store.MarkFanoutFailed(ctx, t.ID); err != nil {
			logger.Error("mark fanout failed failed", zap.Int64("task_id", t.ID), zap.Error(err))
		}
		return
	}
	next := w.conf.Clock() + backoffSeconds(retry)*1000
	logger.Warn("fanout task retry scheduled",
		zap.Int64("task_id", t.ID),
		zap.Int32("retry_count", retry),
		zap.Int64("next_retry_at_ms", next),
		zap.Error(cause))
	if err := w.store.MarkFanoutRetry(ctx, t.ID, retry, next); err != nil {
		logger.Error("mark fanout retry failed", zap.Int64("task_id", t.ID), zap.Error(err))
	}
}
