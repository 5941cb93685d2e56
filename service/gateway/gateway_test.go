package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"pigeon/service/route"
	"pigeon/tools/security"
)

// scriptChannel 按脚本喂入站帧，记录出站帧。
type scriptChannel struct {
	in     chan *Frame
	wrote  chan *Frame
	closed chan struct{}
	once   sync.Once
}

func newScriptChannel() *scriptChannel {
	return &scriptChannel{
		in:     make(chan *Frame, 8),
		wrote:  make(chan *Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *scriptChannel) ReadFrame() (*Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *scriptChannel) WriteFrame(f *Frame) error {
	select {
	case c.wrote <- f:
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *scriptChannel) SetReadDeadline(time.Time) error { return nil }
func (c *scriptChannel) RemoteAddr() string              { return "script:0" }
func (c *scriptChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func waitFrame(t *testing.T, ch *scriptChannel, typ string) *Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-ch.wrote:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("frame %q not written", typ)
		}
	}
}

// 设备已迁到别的网关后，老连接的心跳不得把路由抢回来；
// 老连接断开时的条件摘除同样不得碰新绑定。
func TestStaleConnPingKeepsRouteOnNewGateway(t *testing.T) {
	secret := []byte("test-secret")
	dir := route.NewMemDirectory(time.Minute)
	g := New(Conf{
		ID:          "gw-a",
		JWTSecret:   secret,
		AuthWindow:  time.Second,
		ReadTimeout: time.Second,
	}, dir)
	defer g.Close()

	token, _, _, err := security.Generate(security.Options{Secret: secret, TTL: time.Minute}, "u1", "d1", nil)
	if err != nil {
		t.Fatal(err)
	}

	ch := newScriptChannel()
	payload, _ := json.Marshal(AuthPayload{Token: token, DeviceID: "d1"})
	ch.in <- &Frame{Version: 1, Type: FrameAuth, Payload: payload}

	done := make(chan struct{})
	go func() {
		g.HandleChannel(ch)
		close(done)
	}()

	ack := waitFrame(t, ch, FrameAuthAck)
	var ap AuthAckPayload
	if err := json.Unmarshal(ack.Payload, &ap); err != nil || !ap.OK {
		t.Fatalf("auth ack = %+v err=%v", ap, err)
	}
	ctx := context.Background()
	routes, _ := dir.ListDeviceRoutes(ctx, "u1")
	if len(routes) != 1 || routes[0].GatewayID != "gw-a" {
		t.Fatalf("routes after auth = %+v", routes)
	}

	// 设备重连到了 gw-b，目录里的绑定被覆盖
	if err := dir.Bind(ctx, "u1", "d1", "gw-b"); err != nil {
		t.Fatal(err)
	}

	// 老连接还在 ping：续期必须失败且不得重写路由
	ch.in <- &Frame{Version: 1, Type: FramePing}
	waitFrame(t, ch, FramePong)
	routes, _ = dir.ListDeviceRoutes(ctx, "u1")
	if len(routes) != 1 || routes[0].GatewayID != "gw-b" {
		t.Fatalf("routes after stale ping = %+v, want gw-b", routes)
	}

	// 老连接断开，条件摘除对 gw-b 的绑定无效
	ch.in <- &Frame{Version: 1, Type: FrameClose}
	<-done
	routes, _ = dir.ListDeviceRoutes(ctx, "u1")
	if len(routes) != 1 || routes[0].GatewayID != "gw-b" {
		t.Fatalf("routes after stale close = %+v, want gw-b", routes)
	}
}

func TestGatewayConfPlumbsPingInterval(t *testing.T) {
	dir := route.NewMemDirectory(time.Minute)
	g := New(Conf{ID: "gw-a", PingEvery: 42 * time.Second}, dir)
	defer g.Close()
	if got := g.mgr.conf.PingEvery; got != 42*time.Second {
		t.Fatalf("ping interval = %v, want 42s", got)
	}
}
