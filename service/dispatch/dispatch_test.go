package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"pigeon/module/msgstore"
	"pigeon/service/route"
	"pigeon/service/rpc"
	"pigeon/service/social"
	"pigeon/tools/errs"
)

// fakeDeliverer 按网关返回预置结果或错误。
type fakeDeliverer struct {
	results map[string]*rpc.DeliverResult
	fail    map[string]bool
	calls   []string // 被调到的网关，按序
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		results: make(map[string]*rpc.DeliverResult),
		fail:    make(map[string]bool),
	}
}

func (f *fakeDeliverer) Deliver(ctx context.Context, gatewayID string, req *rpc.DeliverRequest) (*rpc.DeliverResult, error) {
	f.calls = append(f.calls, gatewayID)
	if f.fail[gatewayID] {
		return nil, errs.New("nats timeout")
	}
	if r, ok := f.results[gatewayID]; ok {
		return r, nil
	}
	// 默认每台设备都投成
	out := make([]*rpc.DeviceOutcome, 0, len(req.DeviceFilter))
	for _, d := range req.DeviceFilter {
		out = append(out, &rpc.DeviceOutcome{DeviceID: d, Outcome: rpc.OutcomeDelivered})
	}
	return &rpc.DeliverResult{GatewayID: gatewayID, Outcomes: out}, nil
}

func newTestDispatcher(t *testing.T, deliver Deliverer) (*Dispatcher, *route.MemDirectory) {
	t.Helper()
	dir := route.NewMemDirectory(time.Minute)
	return New(dir, deliver, Conf{DeliverTimeout: time.Second}), dir
}

func TestPushToUserNoRoutesFallsBack(t *testing.T) {
	fd := newFakeDeliverer()
	d, _ := newTestDispatcher(t, fd)

	res, err := d.PushToUser(context.Background(), "u1", []byte("{}"), "tr-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Online || !res.Fallback {
		t.Fatalf("res = %+v, want offline fallback", res)
	}
	if len(fd.calls) != 0 {
		t.Fatalf("deliver called %d times for routeless user", len(fd.calls))
	}
}

func TestPushToUserGroupsByGateway(t *testing.T) {
	fd := newFakeDeliverer()
	d, dir := newTestDispatcher(t, fd)
	ctx := context.Background()

	for _, b := range []struct{ dev, gw string }{
		{"d1", "gw-1"}, {"d2", "gw-1"}, {"d3", "gw-2"},
	} {
		if err := dir.Bind(ctx, "u1", b.dev, b.gw); err != nil {
			t.Fatal(err)
		}
	}

	res, err := d.PushToUser(ctx, "u1", []byte("{}"), "tr-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Online || res.Fallback {
		t.Fatalf("res = %+v, want online", res)
	}
	// 同网关的设备合并成一次 RPC
	if len(fd.calls) != 2 {
		t.Fatalf("deliver calls = %d, want 2 (one per gateway)", len(fd.calls))
	}
	if len(res.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(res.Outcomes))
	}
}

func TestPushToUserGatewayFailureIsolated(t *testing.T) {
	fd := newFakeDeliverer()
	fd.fail["gw-bad"] = true
	d, dir := newTestDispatcher(t, fd)
	ctx := context.Background()

	if err := dir.Bind(ctx, "u1", "d1", "gw-ok"); err != nil {
		t.Fatal(err)
	}
	if err := dir.Bind(ctx, "u1", "d2", "gw-bad"); err != nil {
		t.Fatal(err)
	}

	res, err := d.PushToUser(ctx, "u1", []byte("{}"), "tr-1")
	if err != nil {
		t.Fatal(err)
	}
	// 好网关投成即在线，坏网关上的设备标错误
	if !res.Online {
		t.Fatalf("res = %+v, healthy gateway delivery must keep user online", res)
	}
	got := map[string]string{}
	for _, o := range res.Outcomes {
		got[o.DeviceID] = o.Outcome
	}
	if got["d1"] != rpc.OutcomeDelivered {
		t.Fatalf("d1 = %q, want delivered", got["d1"])
	}
	if got["d2"] != rpc.OutcomeError {
		t.Fatalf("d2 = %q, want error", got["d2"])
	}
}

func TestPushToUserAllOfflineFallsBack(t *testing.T) {
	fd := newFakeDeliverer()
	fd.results["gw-1"] = &rpc.DeliverResult{
		GatewayID: "gw-1",
		Outcomes: []*rpc.DeviceOutcome{
			{DeviceID: "d1", Outcome: rpc.OutcomeOffline},
			{DeviceID: "d2", Outcome: rpc.OutcomeNotWritable, Detail: "send queue full"},
		},
	}
	d, dir := newTestDispatcher(t, fd)
	ctx := context.Background()

	if err := dir.Bind(ctx, "u1", "d1", "gw-1"); err != nil {
		t.Fatal(err)
	}
	if err := dir.Bind(ctx, "u1", "d2", "gw-1"); err != nil {
		t.Fatal(err)
	}

	res, err := d.PushToUser(ctx, "u1", []byte("{}"), "tr-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Online || !res.Fallback {
		t.Fatalf("res = %+v, want fallback when nothing delivered", res)
	}
}

func TestPushToUserFailureInvalidatesCache(t *testing.T) {
	fd := newFakeDeliverer()
	fd.fail["gw-1"] = true
	mem := route.NewMemDirectory(time.Minute)
	cached := route.NewCachedDirectory(mem, time.Hour)
	d := New(cached, fd, Conf{DeliverTimeout: time.Second})
	ctx := context.Background()

	if err := mem.Bind(ctx, "u1", "d1", "gw-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.PushToUser(ctx, "u1", []byte("{}"), "tr-1"); err != nil {
		t.Fatal(err)
	}

	// 失败路径必须把缓存打掉：摘掉路由后下一次推送要看到空
	if removed, _ := mem.Unbind(ctx, "u1", "d1", "gw-1"); !removed {
		t.Fatal("unbind failed")
	}
	res, err := d.PushToUser(ctx, "u1", []byte("{}"), "tr-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Outcomes) != 0 || !res.Fallback {
		t.Fatalf("res = %+v, want empty after invalidation", res)
	}
}

// ===== 事件管道 =====

func TestPipelinePushesAllMembers(t *testing.T) {
	fd := newFakeDeliverer()
	d, dir := newTestDispatcher(t, fd)
	ctx := context.Background()

	// u1 在线，u2 离线
	if err := dir.Bind(ctx, "u1", "d1", "gw-1"); err != nil {
		t.Fatal(err)
	}

	members := social.NewStaticDirectory()
	members.SetMembers("s1", "u1", "u2")
	p := NewPipeline(d, members, time.Second)

	evt, _ := json.Marshal(msgEvent{MsgID: 7, SessionID: "s1", SenderID: "u1", Seq: 1, TraceID: "tr-1"})
	if err := p.HandleEvent("im.msg.events", []byte("s1"), evt); err != nil {
		t.Fatal(err)
	}
	if len(fd.calls) != 1 {
		t.Fatalf("deliver calls = %d, want 1 (only online member has routes)", len(fd.calls))
	}
}

// capturePublisher 截获 outbox 发布的事件。
type capturePublisher struct {
	topics []string
	keys   []string
	bodies [][]byte
}

func (p *capturePublisher) Publish(ctx context.Context, topic, key string, body []byte) error {
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.bodies = append(p.bodies, body)
	return nil
}

// 一条消息走完整链路：落库 → 扇出 → outbox → 在线推 u1，
// 离线的 u2 补拉、ack、再拉为空。
func TestSessionDeliveryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := msgstore.NewMemStore()
	members := social.NewStaticDirectory()
	members.SetMembers("s42", "u1", "u2")
	svc := msgstore.NewService(store, msgstore.NewMemSequencer(), members, "im.msg.events")

	res, err := svc.Persist(ctx, &msgstore.PersistReq{
		ClientMsgID: "c-1",
		SessionID:   "s42",
		SenderID:    "u1",
		Content:     []byte(`{"text":"hello"}`),
		TraceID:     "tr-42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Persisted || res.Seq != 1 {
		t.Fatalf("persist result = %+v", res)
	}

	fw := msgstore.NewFanoutWorker(store, members, msgstore.WorkerConf{})
	for fw.PollOnce(ctx) > 0 {
	}
	pub := &capturePublisher{}
	ow := msgstore.NewOutboxWorker(store, pub, msgstore.WorkerConf{})
	for ow.PollOnce(ctx) > 0 {
	}
	if len(pub.bodies) != 1 || pub.keys[0] != "s42" {
		t.Fatalf("outbox published %d events, keys %v", len(pub.bodies), pub.keys)
	}

	// u1 在线，u2 无路由
	fd := newFakeDeliverer()
	dir := route.NewMemDirectory(time.Minute)
	if err := dir.Bind(ctx, "u1", "d1", "gw-1"); err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(New(dir, fd, Conf{DeliverTimeout: time.Second}), members, time.Second)
	if err := p.HandleEvent(pub.topics[0], []byte(pub.keys[0]), pub.bodies[0]); err != nil {
		t.Fatal(err)
	}
	if len(fd.calls) != 1 {
		t.Fatalf("deliver calls = %d, want 1 (only u1 online)", len(fd.calls))
	}

	// u2 离线补拉
	bysess, err := svc.PullOfflineBySessions(ctx, "u2", []string{"s42"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	msgs := bysess["s42"]
	if len(msgs) != 1 || msgs[0].Seq != 1 || msgs[0].SenderID != "u1" {
		t.Fatalf("pulled = %+v", msgs)
	}

	advanced, err := svc.AckReadProgress(ctx, "u2", "s42", msgs[0].MsgID, msgs[0].Seq)
	if err != nil || !advanced {
		t.Fatalf("ack advanced=%v err=%v", advanced, err)
	}
	bysess, err = svc.PullOfflineBySessions(ctx, "u2", []string{"s42"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(bysess["s42"]) != 0 {
		t.Fatalf("re-pull after ack = %d msgs, want 0", len(bysess["s42"]))
	}
}

func TestPipelineRejectsBadEvent(t *testing.T) {
	fd := newFakeDeliverer()
	d, _ := newTestDispatcher(t, fd)
	p := NewPipeline(d, social.NewStaticDirectory(), time.Second)

	if err := p.HandleEvent("im.msg.events", nil, []byte("not json")); err == nil {
		t.Fatal("expected error for malformed event")
	}
	if err := p.HandleEvent("im.msg.events", nil, []byte(`{"msg_id":1}`)); err == nil {
		t.Fatal("expected error for missing session_id")
	}
}
