package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/service/route"
	"pigeon/service/rpc"
	"pigeon/tools/decode"
	"pigeon/tools/ids"
	"pigeon/tools/security"
)

// Conf 网关运行参数。
type Conf struct {
	ID            string        // 网关实例ID，路由目录里的值
	MaxFrameBytes int           // 单帧上限
	AuthWindow    time.Duration // 首帧鉴权窗口
	ReadTimeout   time.Duration // 授权后读超时（心跳必须比它勤）
	WriteWait     time.Duration // 单次写超时
	PingEvery     time.Duration // 服务端主动 ping 周期
	JWTSecret     []byte
	MaxPerUser    int
	SendQueue     int
}

func (c *Conf) norm() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
	if c.AuthWindow <= 0 {
		c.AuthWindow = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 75 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Gateway 长连接接入层：鉴权闸门、心跳续期、下行投递、断开摘路由。
type Gateway struct {
	conf   Conf
	mgr    *ConnManager
	routes route.Directory
	sub    *nats.Subscription
}

func New(conf Conf, routes route.Directory) *Gateway {
	conf.norm()
	mgr := NewConnManager(ManagerConf{
		UnauthTTL:  conf.AuthWindow,
		AuthTTL:    conf.ReadTimeout,
		MaxPerUser: conf.MaxPerUser,
		SendQueue:  conf.SendQueue,
		PingEvery:  conf.PingEvery,
	}, conf.ID)
	g := &Gateway{conf: conf, mgr: mgr, routes: routes}

	// 断开即条件摘路由：值还等于本网关才删，
	// 设备已重连到别处时这里必须不生效。
	mgr.OnClose(func(c *ClientConn) {
		if c.UserID == "" || c.DeviceID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, err := g.routes.Unbind(ctx, c.UserID, c.DeviceID, g.conf.ID)
		if err != nil {
			logger.Warn("route unbind failed",
				zap.String("user_id", c.UserID),
				zap.String("device_id", c.DeviceID),
				zap.Error(err))
			return
		}
		logger.Debug("route unbind",
			zap.String("user_id", c.UserID),
			zap.String("device_id", c.DeviceID),
			zap.Bool("removed", ok))
	})
	return g
}

func (g *Gateway) Manager() *ConnManager { return g.mgr }

// StartDeliver 订阅本网关的投递 subject，应答定点投递。
func (g *Gateway) StartDeliver(nc *nats.Conn) error {
	sub, err := rpc.ServeDeliver(nc, g.conf.ID, func(_ context.Context, req *rpc.DeliverRequest) *rpc.DeliverResult {
		outcomes := g.mgr.SendToUser(req.UserID, req.DeviceFilter, &Frame{
			Version: 1,
			TS:      time.Now().UnixMilli(),
			TraceID: req.TraceID,
			Type:    FrameMsg,
			Payload: req.Payload,
		})
		return &rpc.DeliverResult{GatewayID: g.conf.ID, Outcomes: outcomes}
	})
	if err != nil {
		return err
	}
	g.sub = sub
	return nil
}

func (g *Gateway) Close() {
	if g.sub != nil {
		_ = g.sub.Drain()
	}
	g.mgr.Close()
}

// HandleChannel 一条连接的完整生命周期，阻塞到断开。
// 鉴权窗口内首帧必须是 auth，否则直接断。
func (g *Gateway) HandleChannel(ch Channel) {
	connID := ids.GenerateString()
	c, err := g.mgr.AddUnauth(connID, ch)
	if err != nil {
		_ = ch.Close()
		return
	}
	defer g.mgr.Remove(connID)

	if !g.authGate(c, ch) {
		return
	}
	g.readLoop(c, ch)
}

// authGate 读首帧并鉴权，失败回应答后断开。
func (g *Gateway) authGate(c *ClientConn, ch Channel) bool {
	_ = ch.SetReadDeadline(time.Now().Add(g.conf.AuthWindow))
	f, err := ch.ReadFrame()
	if err != nil {
		return false
	}
	if f.Type != FrameAuth {
		g.ackAuth(c, false, "", "first frame must be auth")
		return false
	}
	p, err := decode.DecodeJSON[AuthPayload](f.Payload)
	if err != nil || p.Token == "" {
		g.ackAuth(c, false, "", "bad auth payload")
		return false
	}
	claims, err := security.Verify(security.Options{Secret: g.conf.JWTSecret}, p.Token)
	if err != nil {
		g.ackAuth(c, false, "", "invalid token")
		return false
	}
	userID := claims.UserID()
	deviceID := p.DeviceID
	if deviceID == "" {
		deviceID = claims.DeviceID()
	}
	if userID == "" || deviceID == "" {
		g.ackAuth(c, false, "", "user/device missing")
		return false
	}

	if err := g.mgr.BindUser(c.ConnID, userID, deviceID); err != nil {
		g.ackAuth(c, false, "", "bind failed")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err = g.routes.Bind(ctx, userID, deviceID, g.conf.ID)
	cancel()
	if err != nil {
		// 路由没写成的连接对 dispatch 不可见，留着没有意义
		logger.Error("route bind failed",
			zap.String("user_id", userID),
			zap.String("device_id", deviceID),
			zap.Error(err))
		g.ackAuth(c, false, "", "route bind failed")
		return false
	}
	g.ackAuth(c, true, userID, "")
	logger.Info("conn authorized",
		zap.String("conn_id", c.ConnID),
		zap.String("user_id", userID),
		zap.String("device_id", deviceID))
	return true
}

func (g *Gateway) ackAuth(c *ClientConn, ok bool, userID, reason string) {
	payload, _ := json.Marshal(AuthAckPayload{OK: ok, UserID: userID, Reason: reason})
	_ = c.EnqueueFrame(&Frame{
		Version: 1,
		TS:      time.Now().UnixMilli(),
		Type:    FrameAuthAck,
		Payload: payload,
	})
	if !ok {
		// 给写泵一点时间把拒绝应答刷出去
		time.Sleep(50 * time.Millisecond)
	}
}

// readLoop 授权后的主循环：心跳续期连接 TTL 和路由 TTL。
func (g *Gateway) readLoop(c *ClientConn, ch Channel) {
	for {
		_ = ch.SetReadDeadline(time.Now().Add(g.conf.ReadTimeout))
		f, err := ch.ReadFrame()
		if err != nil {
			return
		}
		switch f.Type {
		case FramePing:
			_ = g.mgr.RefreshHeartbeat(c.ConnID)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			state, rerr := g.routes.Refresh(ctx, c.UserID, c.DeviceID, g.conf.ID)
			cancel()
			if rerr == nil && state == route.RefreshMissing {
				// 过期掉了就重写；被别的网关持有说明设备已迁走，不能抢
				ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
				_ = g.routes.Bind(ctx2, c.UserID, c.DeviceID, g.conf.ID)
				cancel2()
			}
			_ = c.EnqueueFrame(&Frame{
				Version: 1,
				TS:      time.Now().UnixMilli(),
				Type:    FramePong,
			})
		case FramePong:
			// 服务端主动 ping 的回应，同样续命
			_ = g.mgr.RefreshHeartbeat(c.ConnID)
		case FrameClose:
			return
		default:
			logger.Debug("unexpected frame type",
				zap.String("conn_id", c.ConnID),
				zap.String("type", f.Type))
		}
	}
}
