package msgstore

// 消息主体。落库后不可变，seq 只分配一次、永不复用。
type Message struct {
	MsgID       int64  // 雪花ID，全局唯一、按时间可排序
	SessionID   string // 会话（单聊/群聊）
	SenderID    string
	PartitionID int32
	Seq         int64 // 会话内单调，base-1，正常运行下无空洞
	MsgType     int32
	Appearance  *string // 可空展示样式；nil 表示未设置（0 也是合法值，不能做哨兵）
	Content     []byte
	CreatedAtMS int64
}

// MessageDedup 幂等台账：一个 clientMsgID 只对应一次 (msgId, seq) 分配。
type MessageDedup struct {
	ClientMsgID string
	MsgID       int64
	SessionID   string
	PartitionID int32
	Seq         int64
	CreatedAtMS int64
}

// ===== 出站事件 / 扇出任务状态机 =====
// 只往前走：pending→processing→{sent|done, retry, failed}；
// retry 在 nextRetryAt 之后重新可被领取。
const (
	StatusPending    int32 = 0
	StatusProcessing int32 = 1
	StatusSent       int32 = 2 // outbox 成功终态
	StatusDone       int32 = 2 // fanout 成功终态（同值，语义按表区分）
	StatusRetry      int32 = 3
	StatusFailed     int32 = 4 // 终态，不再自动重试，等运维介入
)

// OutboxEvent 与消息同事务写入，异步发布，不阻塞写路径。
type OutboxEvent struct {
	ID            int64
	EventType     string
	Topic         string
	Keys          string // 分区键（kafka message key）
	Body          []byte
	Status        int32
	RetryCount    int32
	NextRetryAtMS int64
	ClaimedAtMS   int64 // processing 租约起点，超租约可被重新领取
	CreatedAtMS   int64
}

// FanoutTask 一条消息一个任务，产出 N 行用户索引。
type FanoutTask struct {
	ID            int64
	SessionID     string
	MsgID         int64
	Seq           int64
	Status        int32
	RetryCount    int32
	NextRetryAtMS int64
	ClaimedAtMS   int64
	CreatedAtMS   int64
}

// UserMessageIndex 收件人离线索引，append-only，(userId, sessionId, msgId) 幂等。
type UserMessageIndex struct {
	UserID    string
	SessionID string
	MsgID     int64
	Seq       int64
	ReadState int32
}

// SessionReadOffset 已读进度，只升不降（CAS，lastSeq 更大才生效）。
type SessionReadOffset struct {
	SessionID   string
	UserID      string
	LastMsgID   int64
	LastSeq     int64
	UpdatedAtMS int64
}

// backoffSeconds 截断指数退避：min(60s, 2^retry s)。
func backoffSeconds(retryCount int32) int64 {
	if retryCount >= 6 { // 2^6=64 已超帽
		return 60
	}
	s := int64(1) << uint(retryCount)
	if s > 60 {
		return 60
	}
	return s
}
