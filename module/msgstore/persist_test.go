package msgstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"pigeon/service/social"
	"pigeon/tools/errs"
)

func newTestService() (*Service, Store, *MemSequencer, *social.StaticDirectory) {
	store := NewMemStore()
	seq := NewMemSequencer()
	dir := social.NewStaticDirectory()
	svc := NewService(store, seq, dir, "im.msg.events")
	return svc, store, seq, dir
}

func TestPersistAssignsSequentialSeq(t *testing.T) {
	svc, _, _, dir := newTestService()
	dir.SetMembers("s1", "u1", "u2")

	for i := 1; i <= 5; i++ {
		res, err := svc.Persist(context.Background(), &PersistReq{
			ClientMsgID: fmt.Sprintf("c-%d", i),
			SessionID:   "s1",
			SenderID:    "u1",
			Content:     []byte("hello"),
		})
		if err != nil {
			t.Fatalf("persist %d: %v", i, err)
		}
		if !res.Persisted {
			t.Fatalf("persist %d: expected persisted", i)
		}
		if res.Seq != int64(i) {
			t.Fatalf("persist %d: seq = %d, want %d", i, res.Seq, i)
		}
		if res.MsgID == 0 {
			t.Fatalf("persist %d: msg id empty", i)
		}
	}
}

func TestPersistIdempotent(t *testing.T) {
	svc, _, _, dir := newTestService()
	dir.SetMembers("s1", "u1")

	first, err := svc.Persist(context.Background(), &PersistReq{
		ClientMsgID: "dup-1", SessionID: "s1", SenderID: "u1", Content: []byte("x"),
	})
	if err != nil {
		t.Fatal(err)
	}
	// 任意次重放都返回首次分配的标识
	for i := 0; i < 3; i++ {
		again, err := svc.Persist(context.Background(), &PersistReq{
			ClientMsgID: "dup-1", SessionID: "s1", SenderID: "u1", Content: []byte("x"),
		})
		if err != nil {
			t.Fatal(err)
		}
		if again.Persisted {
			t.Fatal("replay must not persist again")
		}
		if again.Reason != ReasonDuplicate {
			t.Fatalf("reason = %q, want %q", again.Reason, ReasonDuplicate)
		}
		if again.MsgID != first.MsgID || again.Seq != first.Seq {
			t.Fatalf("replay ids (%d,%d) != first (%d,%d)",
				again.MsgID, again.Seq, first.MsgID, first.Seq)
		}
	}
}

func TestPersistConcurrentGapless(t *testing.T) {
	svc, store, _, dir := newTestService()
	dir.SetMembers("s1", "u1")

	const n = 50
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Persist(context.Background(), &PersistReq{
				ClientMsgID: fmt.Sprintf("cc-%d", i),
				SessionID:   "s1",
				SenderID:    "u1",
				Content:     []byte("y"),
			})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent persist: %v", err)
		}
	}

	// 并发写完 seq 必须是 1..n 无空洞
	max, err := store.MaxSeq(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if max != n {
		t.Fatalf("max seq = %d, want %d", max, n)
	}
}

func TestPersistSeqUnavailableFails(t *testing.T) {
	svc, _, seq, dir := newTestService()
	dir.SetMembers("s1", "u1")
	seq.Fail(fmt.Errorf("redis down"))

	_, err := svc.Persist(context.Background(), &PersistReq{
		ClientMsgID: "c-1", SessionID: "s1", SenderID: "u1",
	})
	if err == nil {
		t.Fatal("expected error when sequencer unavailable")
	}
	if !errs.IsCode(err, errs.SeqUnavailable) {
		t.Fatalf("code = %d, want %d", errs.Code(err), errs.SeqUnavailable)
	}

	// 恢复后正常发号，且首条仍为 1
	seq.Fail(nil)
	res, err := svc.Persist(context.Background(), &PersistReq{
		ClientMsgID: "c-1", SessionID: "s1", SenderID: "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Seq != 1 {
		t.Fatalf("seq after recovery = %d, want 1", res.Seq)
	}
}

// regressedSequencer 模拟计数器回退：stuck 期间一直重发 1，
// 矫正后恢复正常计数。
type regressedSequencer struct {
	mu    sync.Mutex
	cur   int64
	stuck bool
}

func (s *regressedSequencer) Next(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stuck {
		return 1, nil
	}
	s.cur++
	return s.cur, nil
}

func (s *regressedSequencer) ReconcileAndNext(ctx context.Context, sessionID string, dbMax int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck = false
	if s.cur < dbMax {
		s.cur = dbMax
	}
	s.cur++
	return s.cur, nil
}

func (s *regressedSequencer) regress() {
	s.mu.Lock()
	s.stuck = true
	s.mu.Unlock()
}

func TestPersistRecoversFromSeqRegression(t *testing.T) {
	store := NewMemStore()
	seq := &regressedSequencer{}
	svc := NewService(store, seq, nil, "im.msg.events")
	ctx := context.Background()

	res, err := svc.Persist(ctx, &PersistReq{ClientMsgID: "r-1", SessionID: "s1", SenderID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Seq != 1 {
		t.Fatalf("seq = %d, want 1", res.Seq)
	}

	// 计数器回退后重发已用过的 1：落库撞唯一键，必须矫正换号而不是卡死
	seq.regress()
	res, err = svc.Persist(ctx, &PersistReq{ClientMsgID: "r-2", SessionID: "s1", SenderID: "u1"})
	if err != nil {
		t.Fatalf("persist after regression: %v", err)
	}
	if !res.Persisted || res.Seq != 2 {
		t.Fatalf("result after reconcile = %+v, want persisted seq 2", res)
	}

	// 矫正后会话继续推进
	res, err = svc.Persist(ctx, &PersistReq{ClientMsgID: "r-3", SessionID: "s1", SenderID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Seq != 3 {
		t.Fatalf("seq = %d, want 3", res.Seq)
	}

	// 换号那条的幂等台账也指向最终落库的号
	again, err := svc.Persist(ctx, &PersistReq{ClientMsgID: "r-2", SessionID: "s1", SenderID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Persisted || again.Seq != 2 {
		t.Fatalf("replay = %+v, want duplicate with seq 2", again)
	}
}

func TestPersistPermissionDenied(t *testing.T) {
	svc, _, _, dir := newTestService()
	dir.SetMembers("s1", "u1")
	dir.Deny("s1", "u1")

	_, err := svc.Persist(context.Background(), &PersistReq{
		ClientMsgID: "c-1", SessionID: "s1", SenderID: "u1",
	})
	if !errs.IsCode(err, errs.PermDeniedCode) {
		t.Fatalf("code = %d, want %d", errs.Code(err), errs.PermDeniedCode)
	}
}

func TestPersistValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	cases := []*PersistReq{
		{SessionID: "s1", SenderID: "u1"},                            // 缺 clientMsgID
		{ClientMsgID: "c", SenderID: "u1"},                           // 缺 session
		{ClientMsgID: "c", SessionID: "s1"},                          // 缺 sender
		{ClientMsgID: "c", SessionID: "s1", SenderID: "u1", PartitionID: -1}, // 非法分区
	}
	for i, req := range cases {
		if _, err := svc.Persist(context.Background(), req); !errs.IsCode(err, errs.ArgsError) {
			t.Fatalf("case %d: code = %d, want %d", i, errs.Code(err), errs.ArgsError)
		}
	}
}
