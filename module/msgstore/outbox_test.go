package msgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

// memPublisher 记录发布并可注入故障。
type memPublisher struct {
	mu   sync.Mutex
	sent []publishedMsg
	fail error
}

type publishedMsg struct {
	topic string
	key   string
	body  []byte
}

func (p *memPublisher) Publish(ctx context.Context, topic, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, publishedMsg{topic: topic, key: key, body: body})
	return nil
}

func (p *memPublisher) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *memPublisher) Sent() []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMsg(nil), p.sent...)
}

func persistOne(t *testing.T, store Store, sessionID, clientMsgID string) {
	t.Helper()
	svc := NewService(store, NewMemSequencer(), nil, "im.msg.events")
	if _, err := svc.Persist(context.Background(), &PersistReq{
		ClientMsgID: clientMsgID,
		SessionID:   sessionID,
		SenderID:    "u1",
		Content:     []byte("m"),
		TraceID:     "t-1",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublishesWithSessionKey(t *testing.T) {
	store := NewMemStore()
	pub := &memPublisher{}
	clk := &fakeClock{nowMS: 1000}
	w := NewOutboxWorker(store, pub, WorkerConf{Clock: clk.now})

	persistOne(t, store, "s42", "c-1")

	if n := w.PollOnce(context.Background()); n != 1 {
		t.Fatalf("poll = %d, want 1", n)
	}
	sent := pub.Sent()
	if len(sent) != 1 {
		t.Fatalf("published = %d, want 1", len(sent))
	}
	if sent[0].topic != "im.msg.events" {
		t.Fatalf("topic = %q", sent[0].topic)
	}
	if sent[0].key != "s42" {
		t.Fatalf("key = %q, want session id", sent[0].key)
	}
	var body map[string]any
	if err := json.Unmarshal(sent[0].body, &body); err != nil {
		t.Fatal(err)
	}
	if body["session_id"] != "s42" || body["trace_id"] != "t-1" {
		t.Fatalf("body = %v", body)
	}

	// 已发事件不会再被领取
	if n := w.PollOnce(context.Background()); n != 0 {
		t.Fatalf("second poll = %d, want 0", n)
	}
}

func TestOutboxRetryThenFailed(t *testing.T) {
	store := NewMemStore()
	pub := &memPublisher{}
	pub.Fail(fmt.Errorf("broker down"))
	clk := &fakeClock{nowMS: 1_000_000}
	w := NewOutboxWorker(store, pub, WorkerConf{MaxRetry: 2, Clock: clk.now})

	persistOne(t, store, "s1", "c-1")

	// retry=1，然后 retry=2 即终态
	if n := w.PollOnce(context.Background()); n != 1 {
		t.Fatalf("first poll = %d", n)
	}
	clk.advanceMS(3000)
	if n := w.PollOnce(context.Background()); n != 1 {
		t.Fatalf("second poll = %d", n)
	}
	clk.advanceMS(600_000)
	if n := w.PollOnce(context.Background()); n != 0 {
		t.Fatalf("failed event must not be claimable, got %d", n)
	}

	// 恢复 broker 也不自动重发终态事件
	pub.Fail(nil)
	if n := w.PollOnce(context.Background()); n != 0 {
		t.Fatalf("poll after recovery = %d, want 0", n)
	}
	if len(pub.Sent()) != 0 {
		t.Fatalf("sent = %d, want 0", len(pub.Sent()))
	}
}
