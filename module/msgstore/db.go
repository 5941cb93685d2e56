package msgstore

import (
	"context"
	"errors"
)

// 存储层哨兵错误，具体实现负责把底层驱动错误翻译过来。
var (
	ErrDuplicateClientID = errors.New("unique client_msg_id violated")
	ErrDuplicateSeq      = errors.New("unique (session_id, seq) violated")
)

// Store 抽象：生产实现 Postgres（db_pgx.go）；测试用内存实现（db_mem.go）。
type Store interface {
	// InsertMessageTx 单事务写入 消息 + 幂等台账 + outbox + 扇出任务。
	// 任何一步失败整个事务失败，调用方可安全整体重试。
	InsertMessageTx(ctx context.Context, m *Message, d *MessageDedup, e *OutboxEvent, t *FanoutTask) error

	// FindDedup 幂等查询；未命中返回 (nil, nil)。
	FindDedup(ctx context.Context, clientMsgID string) (*MessageDedup, error)

	// MaxSeq 会话当前最大 seq（无消息为 0），发号器冷启动校准用。
	MaxSeq(ctx context.Context, sessionID string) (int64, error)

	GetMessages(ctx context.Context, msgIDs []int64) ([]*Message, error)

	// ===== 扇出任务（条件更新领取，多实例并发安全）=====

	// ClaimFanoutTasks 原子领取至多 limit 条可处理任务：
	// status ∈ {pending, retry} 且 nextRetryAt<=now，或 processing 但租约已过期。
	// 赢得领取的行被置为 processing 并返回；输家拿不到同一行。
	ClaimFanoutTasks(ctx context.Context, limit int, nowMS, leaseMS int64) ([]*FanoutTask, error)
	MarkFanoutDone(ctx context.Context, id int64) error
	MarkFanoutRetry(ctx context.Context, id int64, retryCount int32, nextRetryAtMS int64) error
	MarkFanoutFailed(ctx context.Context, id int64) error

	// ===== outbox（同一套领取语义）=====

	ClaimOutboxEvents(ctx context.Context, limit int, nowMS, leaseMS int64) ([]*OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, retryCount int32, nextRetryAtMS int64) error
	MarkOutboxFailed(ctx context.Context, id int64) error

	// ===== 用户索引 / 拉取 =====

	// InsertIndexIgnoreDup 批量插入，重复 (userId, sessionId, msgId) 静默跳过。
	InsertIndexIgnoreDup(ctx context.Context, rows []*UserMessageIndex) error
	// ListIndexByUser msgID 游标向后翻页，跨会话。
	ListIndexByUser(ctx context.Context, userID string, afterMsgID int64, limit int) ([]*UserMessageIndex, error)
	// ListIndexBySession seq 游标向后翻页，单会话。
	ListIndexBySession(ctx context.Context, userID, sessionID string, afterSeq int64, limit int) ([]*UserMessageIndex, error)

	// ===== 已读进度 =====

	// UpsertReadOffsetIfGreater 只在 lastSeq 严格大于存量时更新；返回是否生效。
	UpsertReadOffsetIfGreater(ctx context.Context, off *SessionReadOffset) (bool, error)
	GetReadOffsets(ctx context.Context, userID string, sessionIDs []string) (map[string]*SessionReadOffset, error)
}
