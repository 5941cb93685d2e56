package msgstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSeqFixture(t *testing.T) (*RedisSequencer, Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewMemStore()
	return NewRedisSequencer(rdb, store), store, mr
}

func TestRedisSequencerFirstSeqIsOne(t *testing.T) {
	seq, _, _ := newSeqFixture(t)
	v, err := seq.Next(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("first seq = %d, want 1", v)
	}
	v, err = seq.Next(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("second seq = %d, want 2", v)
	}
}

func TestRedisSequencerColdStartFromStore(t *testing.T) {
	seq, store, _ := newSeqFixture(t)

	// 库里已有 seq=1..3，redis 冷（键丢失/实例重建）
	svc := NewService(store, NewMemSequencer(), nil, "topic")
	for _, c := range []string{"a", "b", "c"} {
		if _, err := svc.Persist(context.Background(), &PersistReq{
			ClientMsgID: c, SessionID: "s1", SenderID: "u1",
		}); err != nil {
			t.Fatal(err)
		}
	}

	v, err := seq.Next(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if v != 4 {
		t.Fatalf("cold start seq = %d, want 4 (continue after store max)", v)
	}
}

func TestRedisSequencerSessionsIndependent(t *testing.T) {
	seq, _, _ := newSeqFixture(t)
	for i := 0; i < 3; i++ {
		if _, err := seq.Next(context.Background(), "s1"); err != nil {
			t.Fatal(err)
		}
	}
	v, err := seq.Next(context.Background(), "s2")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("s2 first seq = %d, want 1", v)
	}
}

func TestReconcileAndNextNeverGoesBack(t *testing.T) {
	seq, _, mr := newSeqFixture(t)

	// redis 落后于 DB：矫正后取号
	mr.Set("im:seq:s1", "2")
	v, err := seq.ReconcileAndNext(context.Background(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if v != 11 {
		t.Fatalf("reconciled seq = %d, want 11", v)
	}

	// redis 领先时只 INCR，不回退
	v, err = seq.ReconcileAndNext(context.Background(), "s1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if v != 12 {
		t.Fatalf("seq = %d, want 12", v)
	}
}
