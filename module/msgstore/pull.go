package msgstore

import (
	"context"

	"pigeon/tools/errs"
)

const defaultPullLimit = 100

// PulledMessage 拉取返回项：索引行 + 消息主体。
type PulledMessage struct {
	SessionID   string  `json:"session_id"`
	MsgID       int64   `json:"msg_id"`
	Seq         int64   `json:"seq"`
	SenderID    string  `json:"sender_id"`
	MsgType     int32   `json:"msg_type"`
	PartitionID int32   `json:"partition_id"`
	Appearance  *string `json:"appearance,omitempty"`
	Content     []byte  `json:"content"`
	CreatedAtMS int64   `json:"created_at_ms"`
	ReadState   int32   `json:"read_state"`
}

// SyncState 单会话同步状态：已确认到哪、服务端最新到哪。
type SyncState struct {
	SessionID string `json:"session_id"`
	AckedSeq  int64  `json:"acked_seq"`
	MaxSeq    int64  `json:"max_seq"`
}

// PullOfflineByUser 写扩散离线拉取：按 msgId 游标跨会话翻用户索引。
// afterMsgID=0 从头拉。调用方拿最后一条的 msgId 作下一页游标。
func (s *Service) PullOfflineByUser(ctx context.Context, userID string, afterMsgID int64, limit int) ([]*PulledMessage, error) {
	if userID == "" {
		return nil, errs.ErrArgs.WrapMsg("user_id required")
	}
	if limit <= 0 || limit > defaultPullLimit {
		limit = defaultPullLimit
	}
	rows, err := s.store.ListIndexByUser(ctx, userID, afterMsgID, limit)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error(), "user", userID)
	}
	return s.hydrate(ctx, rows)
}

// PullOfflineBySessions 读扩散式拉取：每个会话从该用户已读进度之后取，
// limit 是单会话上限。没有进度记录的会话从 seq=0 之后拉全量。
func (s *Service) PullOfflineBySessions(ctx context.Context, userID string, sessionIDs []string, limit int) (map[string][]*PulledMessage, error) {
	if userID == "" || len(sessionIDs) == 0 {
		return nil, errs.ErrArgs.WrapMsg("user_id and session_ids required")
	}
	if limit <= 0 || limit > defaultPullLimit {
		limit = defaultPullLimit
	}
	offs, err := s.store.GetReadOffsets(ctx, userID, sessionIDs)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error(), "user", userID)
	}
	out := make(map[string][]*PulledMessage, len(sessionIDs))
	for _, sid := range sessionIDs {
		var afterSeq int64
		if off, ok := offs[sid]; ok {
			afterSeq = off.LastSeq
		}
		rows, err := s.store.ListIndexBySession(ctx, userID, sid, afterSeq, limit)
		if err != nil {
			return nil, errs.ErrStorage.WrapMsg(err.Error(), "session", sid)
		}
		msgs, err := s.hydrate(ctx, rows)
		if err != nil {
			return nil, err
		}
		out[sid] = msgs
	}
	return out, nil
}

// AckReadProgress 推进已读进度。CAS 只升不降：乱序/重复 ack 安全，
// 旧 ack 落后于存量时不生效，返回 advanced=false。
func (s *Service) AckReadProgress(ctx context.Context, userID, sessionID string, lastMsgID, lastSeq int64) (bool, error) {
	if userID == "" || sessionID == "" {
		return false, errs.ErrArgs.WrapMsg("user_id/session_id required")
	}
	if lastSeq <= 0 {
		return false, errs.ErrArgs.WrapMsg("last_seq must be positive", "last_seq", lastSeq)
	}
	ok, err := s.store.UpsertReadOffsetIfGreater(ctx, &SessionReadOffset{
		SessionID:   sessionID,
		UserID:      userID,
		LastMsgID:   lastMsgID,
		LastSeq:     lastSeq,
		UpdatedAtMS: s.nowMS(),
	})
	if err != nil {
		return false, errs.ErrStorage.WrapMsg(err.Error(), "session", sessionID)
	}
	return ok, nil
}

// BatchGetSyncState 批量取会话同步状态，客户端据此判断增量还是全量。
func (s *Service) BatchGetSyncState(ctx context.Context, userID string, sessionIDs []string) ([]*SyncState, error) {
	if userID == "" || len(sessionIDs) == 0 {
		return nil, errs.ErrArgs.WrapMsg("user_id and session_ids required")
	}
	offs, err := s.store.GetReadOffsets(ctx, userID, sessionIDs)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error(), "user", userID)
	}
	out := make([]*SyncState, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		maxSeq, err := s.store.MaxSeq(ctx, sid)
		if err != nil {
			return nil, errs.ErrStorage.WrapMsg(err.Error(), "session", sid)
		}
		st := &SyncState{SessionID: sid, MaxSeq: maxSeq}
		if off, ok := offs[sid]; ok {
			st.AckedSeq = off.LastSeq
		}
		out = append(out, st)
	}
	return out, nil
}

// hydrate 索引行回填消息主体。主体缺失的索引行跳过（消息被治理删除）。
func (s *Service) hydrate(ctx context.Context, rows []*UserMessageIndex) ([]*PulledMessage, error) {
	if len(rows) == 0 {
		return []*PulledMessage{}, nil
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.MsgID)
	}
	msgs, err := s.store.GetMessages(ctx, ids)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error())
	}
	byID := make(map[int64]*Message, len(msgs))
	for _, m := range msgs {
		byID[m.MsgID] = m
	}
	out := make([]*PulledMessage, 0, len(rows))
	for _, r := range rows {
		m, ok := byID[r.MsgID]
		if !ok {
			continue
		}
		out = append(out, &PulledMessage{
			SessionID:   r.SessionID,
			MsgID:       m.MsgID,
			Seq:         m.Seq,
			SenderID:    m.SenderID,
			MsgType:     m.MsgType,
			PartitionID: m.PartitionID,
			Appearance:  m.Appearance,
			Content:     m.Content,
			CreatedAtMS: m.CreatedAtMS,
			ReadState:   r.ReadState,
		})
	}
	return out, nil
}
