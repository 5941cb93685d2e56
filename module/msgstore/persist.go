package msgstore

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/service/social"
	"pigeon/tools/errs"
	"pigeon/tools/ids"
)

// 去重命中时的 reason 码。
const ReasonDuplicate = "duplicate"

const EventTypeMsgNew = "msg.new"

type PersistReq struct {
	ClientMsgID  string  `json:"client_msg_id"`
	MsgType      int32   `json:"msg_type"`
	TargetID     string  `json:"target_id"`
	SessionID    string  `json:"session_id"`
	SenderID     string  `json:"sender_id"`
	Content      []byte  `json:"content"`
	ClientTimeMS int64   `json:"client_time_ms"`
	PartitionID  int32   `json:"partition_id"`
	Appearance   *string `json:"appearance,omitempty"`
	TraceID      string  `json:"trace_id"`
}

type PersistResult struct {
	Persisted    bool    `json:"persisted"`
	MsgID        int64   `json:"msg_id"`
	Seq          int64   `json:"seq"`
	PartitionID  int32   `json:"partition_id"`
	Appearance   *string `json:"appearance,omitempty"`
	ServerTimeMS int64   `json:"server_time_ms"`
	Reason       string  `json:"reason,omitempty"`
}

// outboxBody 发到 kafka 的事件体。
type outboxBody struct {
	MsgID     int64  `json:"msg_id"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Seq       int64  `json:"seq"`
	MsgType   int32  `json:"msg_type"`
	TraceID   string `json:"trace_id"`
}

// Service Message Store：定序、去重、事务落库、下游任务入队。
type Service struct {
	store       Store
	seq         Sequencer
	dir         social.Directory // 可空：空则跳过发言权限校验
	outboxTopic string
	nowMS       func() int64 // 可注入时钟（单测用）
}

func NewService(store Store, seq Sequencer, dir social.Directory, outboxTopic string) *Service {
	return &Service{
		store:       store,
		seq:         seq,
		dir:         dir,
		outboxTopic: outboxTopic,
		nowMS:       func() int64 { return time.Now().UnixMilli() },
	}
}

// WithClock 单测注入时钟。
func (s *Service) WithClock(nowMS func() int64) *Service {
	s.nowMS = nowMS
	return s
}

// Persist 幂等落一条消息：
//  1. 查幂等台账，命中直接返回既有 (msgId, seq)，可无限次安全重放；
//  2. 发号器取新 seq（会话首条为 1）；
//  3. 单事务写 消息+台账+outbox+扇出任务，任一步失败整体回滚，调用方整体重试；
//  4. 返回新标识。
//
// 发号器只在 INCR 这一步串行，事务本身不抢锁。
func (s *Service) Persist(ctx context.Context, req *PersistReq) (*PersistResult, error) {
	if req.ClientMsgID == "" || req.SessionID == "" || req.SenderID == "" {
		return nil, errs.ErrArgs.WrapMsg("client_msg_id/session_id/sender_id required")
	}
	if req.PartitionID < 0 {
		return nil, errs.ErrArgs.WrapMsg("partition_id negative", "partition_id", req.PartitionID)
	}

	if s.dir != nil {
		ok, err := s.dir.CheckSendPermission(ctx, req.SessionID, req.SenderID, req.PartitionID)
		if err != nil {
			return nil, errs.ErrDirTimeout.WrapMsg(err.Error(), "session", req.SessionID)
		}
		if !ok {
			return nil, errs.ErrPermDenied.WrapMsg("", "session", req.SessionID, "sender", req.SenderID)
		}
	}

	// 1) 幂等查询
	if d, err := s.store.FindDedup(ctx, req.ClientMsgID); err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error(), "client_msg_id", req.ClientMsgID)
	} else if d != nil {
		return s.duplicateResult(req, d), nil
	}

	// 2) 发号。失败即整个调用失败，绝不本地造号（会破坏会话内全序）。
	seq, err := s.seq.Next(ctx, req.SessionID)
	if err != nil {
		return nil, errs.ErrSeqUnavailable.WrapMsg(err.Error(), "session", req.SessionID)
	}

	now := s.nowMS()
	msg := &Message{
		MsgID:       ids.Generate(),
		SessionID:   req.SessionID,
		SenderID:    req.SenderID,
		PartitionID: req.PartitionID,
		Seq:         seq,
		MsgType:     req.MsgType,
		Appearance:  req.Appearance,
		Content:     req.Content,
		CreatedAtMS: now,
	}
	dedup := &MessageDedup{
		ClientMsgID: req.ClientMsgID,
		MsgID:       msg.MsgID,
		SessionID:   msg.SessionID,
		PartitionID: msg.PartitionID,
		Seq:         seq,
		CreatedAtMS: now,
	}
	evt := &OutboxEvent{
		EventType:   EventTypeMsgNew,
		Topic:       s.outboxTopic,
		Keys:        msg.SessionID,
		Body:        marshalOutboxBody(msg, req.TraceID),
		Status:      StatusPending,
		CreatedAtMS: now,
	}
	task := &FanoutTask{
		SessionID:   msg.SessionID,
		MsgID:       msg.MsgID,
		Seq:         seq,
		Status:      StatusPending,
		CreatedAtMS: now,
	}

	// 3) 单事务落库
	txErr := s.store.InsertMessageTx(ctx, msg, dedup, evt, task)
	if txErr == ErrDuplicateSeq {
		// 计数器回退（如 redis 实例带旧键重建），继续重试只会一直撞同一个号，
		// 按库内最大号矫正后换号重试一次
		logger.Warn("seq collision, reconciling counter",
			zap.String("session_id", req.SessionID),
			zap.Int64("seq", seq))
		seq, err = s.reconcileSeq(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		msg.Seq, dedup.Seq, task.Seq = seq, seq, seq
		evt.Body = marshalOutboxBody(msg, req.TraceID)
		txErr = s.store.InsertMessageTx(ctx, msg, dedup, evt, task)
	}
	if txErr != nil {
		if txErr == ErrDuplicateClientID {
			// 并发重放：对手事务先提交了同一个 clientMsgID，读回它的结果
			if d, e2 := s.store.FindDedup(ctx, req.ClientMsgID); e2 == nil && d != nil {
				return s.duplicateResult(req, d), nil
			}
		}
		logger.Error("persist tx failed",
			zap.String("session_id", req.SessionID),
			zap.String("client_msg_id", req.ClientMsgID),
			zap.String("trace_id", req.TraceID),
			zap.Error(txErr))
		return nil, errs.ErrStorage.WrapMsg(txErr.Error(), "session", req.SessionID)
	}

	return &PersistResult{
		Persisted:    true,
		MsgID:        msg.MsgID,
		Seq:          seq,
		PartitionID:  msg.PartitionID,
		Appearance:   msg.Appearance,
		ServerTimeMS: now,
	}, nil
}

// reconcileSeq 按库内最大号矫正发号器再取新号。
func (s *Service) reconcileSeq(ctx context.Context, sessionID string) (int64, error) {
	dbMax, err := s.store.MaxSeq(ctx, sessionID)
	if err != nil {
		return 0, errs.ErrStorage.WrapMsg("query max seq", "session", sessionID)
	}
	seq, err := s.seq.ReconcileAndNext(ctx, sessionID, dbMax)
	if err != nil {
		return 0, errs.ErrSeqUnavailable.WrapMsg(err.Error(), "session", sessionID)
	}
	return seq, nil
}

func marshalOutboxBody(m *Message, traceID string) []byte {
	b, _ := json.Marshal(outboxBody{
		MsgID:     m.MsgID,
		SessionID: m.SessionID,
		SenderID:  m.SenderID,
		Seq:       m.Seq,
		MsgType:   m.MsgType,
		TraceID:   traceID,
	})
	return b
}

func (s *Service) duplicateResult(req *PersistReq, d *MessageDedup) *PersistResult {
	return &PersistResult{
		Persisted:    false,
		MsgID:        d.MsgID,
		Seq:          d.Seq,
		PartitionID:  d.PartitionID,
		Appearance:   req.Appearance,
		ServerTimeMS: s.nowMS(),
		Reason:       ReasonDuplicate,
	}
}
