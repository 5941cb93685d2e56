package msgstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/tools/safe"
)

// Publisher 出站事件的下游（生产实现 kafka，见 service/kafka）。
type Publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
}

// OutboxWorker 把事务内落库的事件搬运到消息总线。
// 与 FanoutWorker 同一套领取/退避/终态机器，至少一次投递。
type OutboxWorker struct {
	store Store
	pub   Publisher
	conf  WorkerConf

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewOutboxWorker(store Store, pub Publisher, conf WorkerConf) *OutboxWorker {
	conf.norm()
	return &OutboxWorker{
		store:  store,
		pub:    pub,
		conf:   conf,
		stopCh: make(chan struct{}),
	}
}

func (w *OutboxWorker) Start() {
	safe.Go("outbox-worker", w.run)
}

func (w *OutboxWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *OutboxWorker) run() {
	t := time.NewTicker(w.conf.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			n := w.PollOnce(context.Background())
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

func (w *OutboxWorker) PollOnce(ctx context.Context) int {
	now := w.conf.Clock()
	evts, err := w.store.ClaimOutboxEvents(ctx, w.conf.BatchSize, now, w.conf.Lease.Milliseconds())
	if err != nil {
		logger.Error("claim outbox events failed", zap.Error(err))
		return 0
	}
	if len(evts) == 0 {
		return 0
	}

	sem := make(chan struct{}, w.conf.PoolSize)
	var wg sync.WaitGroup
	for _, e := range evts {
		e := e
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			w.ProcessEvent(ctx, e)
		}()
	}
	wg.Wait()
	return len(evts)
}

func (w *OutboxWorker) ProcessEvent(ctx context.Context, e *OutboxEvent) {
	cctx, cancel := context.WithTimeout(ctx, w.conf.CallTimeout)
	err := w.pub.Publish(cctx, e.Topic, e.Keys, e.Body)
	cancel()
	if err != nil {
		retry := e.RetryCount + 1
		if retry >= w.conf.MaxRetry {
			logger.Error("outbox event failed terminally",
				zap.Int64("event_id", e.ID),
				zap.String("topic", e.Topic),
				zap.Int32("retry_count", retry),
				zap.Error(err))
			if me := w.store.MarkOutboxFailed(ctx, e.ID); me != nil {
				logger.Error("mark outbox failed failed", zap.Int64("event_id", e.ID), zap.Error(me))
			}
			return
		}
		next := w.conf.Clock() + backoffSeconds(retry)*1000
		logger.Warn("outbox publish retry scheduled",
			zap.Int64("event_id", e.ID),
			zap.Int32("retry_count", retry),
			zap.Error(err))
		if me := w.store.MarkOutboxRetry(ctx, e.ID, retry, next); me != nil {
			logger.Error("mark outbox retry failed", zap.Int64("event_id", e.ID), zap.Error(me))
		}
		return
	}
	if me := w.store.MarkOutboxSent(ctx, e.ID); me != nil {
		logger.Error("mark outbox sent failed", zap.Int64("event_id", e.ID), zap.Error(me))
	}
}
