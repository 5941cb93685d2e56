package msgstore

import (
	"context"
	"sort"
	"sync"
)

// memStore 内存实现，仅用于单测与本地联调。
type memStore struct {
	mu sync.RWMutex

	msgs    map[int64]*Message            // msgID -> msg
	bySess  map[string]map[int64]*Message // session -> seq -> msg
	dedup   map[string]*MessageDedup      // clientMsgID -> row
	outbox  map[int64]*OutboxEvent
	fanout  map[int64]*FanoutTask
	index   map[string]map[string]map[int64]*UserMessageIndex // user -> session -> msgID -> row
	offsets map[string]map[string]*SessionReadOffset          // user -> session -> row

	nextID int64
}

func NewMemStore() Store {
	return &memStore{
		msgs:    make(map[int64]*Message),
		bySess:  make(map[string]map[int64]*Message),
		dedup:   make(map[string]*MessageDedup),
		outbox:  make(map[int64]*OutboxEvent),
		fanout:  make(map[int64]*FanoutTask),
		index:   make(map[string]map[string]map[int64]*UserMessageIndex),
		offsets: make(map[string]map[string]*SessionReadOffset),
	}
}

func (s *memStore) nextRowID() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) InsertMessageTx(ctx context.Context, m *Message, d *MessageDedup, e *OutboxEvent, t *FanoutTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 唯一键检查先行，不留半事务
	if _, ok := s.dedup[d.ClientMsgID]; ok {
		return ErrDuplicateClientID
	}
	if sess, ok := s.bySess[m.SessionID]; ok {
		if _, ok2 := sess[m.Seq]; ok2 {
			return ErrDuplicateSeq
		}
	}

	mc := *m
	dc := *d
	ec := *e
	tc := *t
	ec.ID = s.nextRowID()
	tc.ID = s.nextRowID()

	s.msgs[mc.MsgID] = &mc
	if s.bySess[mc.SessionID] == nil {
		s.bySess[mc.SessionID] = make(map[int64]*Message)
	}
	s.bySess[mc.SessionID][mc.Seq] = &mc
	s.dedup[dc.ClientMsgID] = &dc
	s.outbox[ec.ID] = &ec
	s.fanout[tc.ID] = &tc
	return nil
}

func (s *memStore) FindDedup(ctx context.Context, clientMsgID string) (*MessageDedup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.dedup[clientMsgID]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for seq := range s.bySess[sessionID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (s *memStore) GetMessages(ctx context.Context, msgIDs []int64) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, 0, len(msgIDs))
	for _, id := range msgIDs {
		if m, ok := s.msgs[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// claimable 领取条件：pending/retry 到期，或 processing 租约过期。
func claimable(status int32, nextRetryAtMS, claimedAtMS, nowMS, leaseMS int64) bool {
	switch status {
	case StatusPending, StatusRetry:
		return nextRetryAtMS <= nowMS
	case StatusProcessing:
		return claimedAtMS+leaseMS <= nowMS
	}
	return false
}

func (s *memStore) ClaimFanoutTasks(ctx context.Context, limit int, nowMS, leaseMS int64) ([]*FanoutTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.fanout))
	for id, t := range s.fanout {
		if claimable(t.Status, t.NextRetryAtMS, t.ClaimedAtMS, nowMS, leaseMS) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*FanoutTask, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		t := s.fanout[id]
		t.Status = StatusProcessing
		t.ClaimedAtMS = nowMS
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) MarkFanoutDone(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.fanout[id]; ok {
		t.Status = StatusDone
	}
	return nil
}

func (s *memStore) MarkFanoutRetry(ctx context.Context, id int64, retryCount int32, nextRetryAtMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.fanout[id]; ok {
		t.Status = StatusRetry
		t.RetryCount = retryCount
		t.NextRetryAtMS = nextRetryAtMS
	}
	return nil
}

func (s *memStore) MarkFanoutFailed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.fanout[id]; ok {
		t.Status = StatusFailed
	}
	return nil
}

func (s *memStore) ClaimOutboxEvents(ctx context.Context, limit int, nowMS, leaseMS int64) ([]*OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.outbox))
	for id, e := range s.outbox {
		if claimable(e.Status, e.NextRetryAtMS, e.ClaimedAtMS, nowMS, leaseMS) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*OutboxEvent, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		e := s.outbox[id]
		e.Status = StatusProcessing
		e.ClaimedAtMS = nowMS
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) MarkOutboxSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.outbox[id]; ok {
		e.Status = StatusSent
	}
	return nil
}

func (s *memStore) MarkOutboxRetry(ctx context.Context, id int64, retryCount int32, nextRetryAtMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.outbox[id]; ok {
		e.Status = StatusRetry
		e.RetryCount = retryCount
		e.NextRetryAtMS = nextRetryAtMS
	}
	return nil
}

func (s *memStore) MarkOutboxFailed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.outbox[id]; ok {
		e.Status = StatusFailed
	}
	return nil
}

func (s *memStore) InsertIndexIgnoreDup(ctx context.Context, rows []*UserMessageIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if s.index[r.UserID] == nil {
			s.index[r.UserID] = make(map[string]map[int64]*UserMessageIndex)
		}
		if s.index[r.UserID][r.SessionID] == nil {
			s.index[r.UserID][r.SessionID] = make(map[int64]*UserMessageIndex)
		}
		if _, ok := s.index[r.UserID][r.SessionID][r.MsgID]; ok {
			continue // 幂等：重复行静默跳过
		}
		cp := *r
		s.index[r.UserID][r.SessionID][r.MsgID] = &cp
	}
	return nil
}

func (s *memStore) ListIndexByUser(ctx context.Context, userID string, afterMsgID int64, limit int) ([]*UserMessageIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UserMessageIndex
	for _, bySess := range s.index[userID] {
		for _, r := range bySess {
			if r.MsgID > afterMsgID {
				cp := *r
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MsgID < out[j].MsgID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListIndexBySession(ctx context.Context, userID, sessionID string, afterSeq int64, limit int) ([]*UserMessageIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UserMessageIndex
	for _, r := range s.index[userID][sessionID] {
		if r.Seq > afterSeq {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpsertReadOffsetIfGreater(ctx context.Context, off *SessionReadOffset) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offsets[off.UserID] == nil {
		s.offsets[off.UserID] = make(map[string]*SessionReadOffset)
	}
	cur, ok := s.offsets[off.UserID][off.SessionID]
	if ok && off.LastSeq <= cur.LastSeq {
		return false, nil // 只升不降
	}
	cp := *off
	s.offsets[off.UserID][off.SessionID] = &cp
	return true, nil
}

func (s *memStore) GetReadOffsets(ctx context.Context, userID string, sessionIDs []string) (map[string]*SessionReadOffset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*SessionReadOffset, len(sessionIDs))
	for _, sid := range sessionIDs {
		if r, ok := s.offsets[userID][sid]; ok {
			cp := *r
			out[sid] = &cp
		}
	}
	return out, nil
}
