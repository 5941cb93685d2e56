package msgstore

import (
	"context"
	"fmt"
	"testing"

	"pigeon/service/social"
)

// 造一个已扇出完成的会话：n 条消息，成员都有索引行。
func seedSession(t *testing.T, sessionID string, members []string, n int) (*Service, Store) {
	t.Helper()
	store := NewMemStore()
	dir := social.NewStaticDirectory()
	dir.SetMembers(sessionID, members...)
	svc := NewService(store, NewMemSequencer(), dir, "topic")
	w := NewFanoutWorker(store, dir, WorkerConf{})

	for i := 1; i <= n; i++ {
		if _, err := svc.Persist(context.Background(), &PersistReq{
			ClientMsgID: fmt.Sprintf("c-%d", i),
			SessionID:   sessionID,
			SenderID:    members[0],
			Content:     []byte(fmt.Sprintf("msg-%d", i)),
		}); err != nil {
			t.Fatal(err)
		}
	}
	for w.PollOnce(context.Background()) > 0 {
	}
	return svc, store
}

func TestPullOfflineByUserPagination(t *testing.T) {
	svc, _ := seedSession(t, "s1", []string{"u1", "u2"}, 5)

	page1, err := svc.PullOfflineByUser(context.Background(), "u2", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 3 {
		t.Fatalf("page1 = %d, want 3", len(page1))
	}
	for i := 0; i < len(page1)-1; i++ {
		if page1[i].MsgID >= page1[i+1].MsgID {
			t.Fatal("page1 not ordered by msg id")
		}
	}

	page2, err := svc.PullOfflineByUser(context.Background(), "u2", page1[len(page1)-1].MsgID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 = %d, want 2", len(page2))
	}
	if page2[0].MsgID <= page1[len(page1)-1].MsgID {
		t.Fatal("page2 overlaps page1")
	}
	if page2[0].Seq != 4 || page2[1].Seq != 5 {
		t.Fatalf("page2 seqs = %d,%d, want 4,5", page2[0].Seq, page2[1].Seq)
	}
}

func TestPullOfflineBySessionsUsesReadOffset(t *testing.T) {
	svc, _ := seedSession(t, "s1", []string{"u1", "u2"}, 4)

	// u2 已读到 seq=2
	if _, err := svc.AckReadProgress(context.Background(), "u2", "s1", 0, 2); err != nil {
		t.Fatal(err)
	}
	out, err := svc.PullOfflineBySessions(context.Background(), "u2", []string{"s1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	msgs := out["s1"]
	if len(msgs) != 2 {
		t.Fatalf("msgs = %d, want 2", len(msgs))
	}
	if msgs[0].Seq != 3 || msgs[1].Seq != 4 {
		t.Fatalf("seqs = %d,%d, want 3,4", msgs[0].Seq, msgs[1].Seq)
	}
}

func TestAckReadProgressOnlyAdvances(t *testing.T) {
	svc, _ := seedSession(t, "s1", []string{"u1", "u2"}, 5)

	advanced, err := svc.AckReadProgress(context.Background(), "u2", "s1", 0, 3)
	if err != nil || !advanced {
		t.Fatalf("ack(3) advanced=%v err=%v", advanced, err)
	}
	// 乱序旧 ack 不生效
	advanced, err = svc.AckReadProgress(context.Background(), "u2", "s1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Fatal("stale ack must not advance")
	}
	// 等值重复 ack 也不生效
	advanced, err = svc.AckReadProgress(context.Background(), "u2", "s1", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Fatal("equal ack must not advance")
	}

	states, err := svc.BatchGetSyncState(context.Background(), "u2", []string{"s1"})
	if err != nil {
		t.Fatal(err)
	}
	if states[0].AckedSeq != 3 {
		t.Fatalf("acked = %d, want 3", states[0].AckedSeq)
	}
}

func TestBatchGetSyncState(t *testing.T) {
	svc, _ := seedSession(t, "s1", []string{"u1", "u2"}, 4)

	if _, err := svc.AckReadProgress(context.Background(), "u2", "s1", 0, 1); err != nil {
		t.Fatal(err)
	}
	states, err := svc.BatchGetSyncState(context.Background(), "u2", []string{"s1", "s-empty"})
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %d, want 2", len(states))
	}
	byID := map[string]*SyncState{}
	for _, st := range states {
		byID[st.SessionID] = st
	}
	if byID["s1"].MaxSeq != 4 || byID["s1"].AckedSeq != 1 {
		t.Fatalf("s1 state = %+v", byID["s1"])
	}
	if byID["s-empty"].MaxSeq != 0 || byID["s-empty"].AckedSeq != 0 {
		t.Fatalf("s-empty state = %+v", byID["s-empty"])
	}
}

// 离线链路端到端：发两条 → 扇出 → 离线端拉取 → ack → 再拉为空。
func TestOfflineRoundTrip(t *testing.T) {
	svc, _ := seedSession(t, "s42", []string{"u1", "u2"}, 2)

	out, err := svc.PullOfflineBySessions(context.Background(), "u2", []string{"s42"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	msgs := out["s42"]
	if len(msgs) != 2 {
		t.Fatalf("pull = %d, want 2", len(msgs))
	}

	last := msgs[len(msgs)-1]
	if _, err := svc.AckReadProgress(context.Background(), "u2", "s42", last.MsgID, last.Seq); err != nil {
		t.Fatal(err)
	}

	out, err = svc.PullOfflineBySessions(context.Background(), "u2", []string{"s42"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out["s42"]) != 0 {
		t.Fatalf("re-pull = %d, want 0", len(out["s42"]))
	}
}
