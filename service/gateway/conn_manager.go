package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/service/rpc"
	"pigeon/tools/errs"
	"pigeon/tools/safe"
)

// ===== 配置 =====

type ManagerConf struct {
	UnauthTTL  time.Duration    // 未鉴权宽限期（窗口内必须发 auth 帧）
	AuthTTL    time.Duration    // 已鉴权连接 TTL（心跳续期）
	SweepEvery time.Duration    // 清理周期
	MaxPerUser int              // 每用户最大连接数（<=0 不限制）
	SendQueue  int              // 每连接发送队列长度
	PingEvery  time.Duration    // 服务端主动 ping 周期，必须小于 AuthTTL
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 30 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 75 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.PingEvery <= 0 {
		c.PingEvery = c.AuthTTL * 9 / 10
	}
}

// ===== 数据结构 =====

// ClientConn 一条客户端连接。写全部走 sendQ 由写泵串行化，
// 队列满即 not_writable，绝不阻塞投递方。
type ClientConn struct {
	ConnID     string
	UserID     string
	DeviceID   string
	Authorized bool
	Remote     string

	ch        Channel
	sendQ     chan *Frame
	done      chan struct{}
	pingEvery time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpireAt  time.Time
	Heartbeat time.Time
	TTL       time.Duration

	closeOnce sync.Once
}

func (c *ClientConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ch.Close()
	})
}

// EnqueueFrame 非阻塞投递到写队列。
func (c *ClientConn) EnqueueFrame(f *Frame) error {
	select {
	case <-c.done:
		return errs.New("conn closed")
	default:
	}
	select {
	case c.sendQ <- f:
		return nil
	default:
		return errs.New("send queue full")
	}
}

// writePump 唯一写者。写失败直接收尾，读循环随后感知。
// 周期性主动 ping，客户端回 pong 续命。
func (c *ClientConn) writePump() {
	ping := time.NewTicker(c.pingEvery)
	defer ping.Stop()
	for {
		var f *Frame
		select {
		case <-c.done:
			return
		case <-ping.C:
			f = &Frame{Version: 1, TS: time.Now().UnixMilli(), Type: FramePing}
		case f = <-c.sendQ:
		}
		if err := c.ch.WriteFrame(f); err != nil {
			logger.Warn("write frame failed",
				zap.String("conn_id", c.ConnID),
				zap.String("user_id", c.UserID),
				zap.Error(err))
			c.shutdown()
			return
		}
	}
}

// CloseCallback 连接摘除回调（授权连接才会带 userID/deviceID）。
type CloseCallback func(conn *ClientConn)

type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*ClientConn            // connID -> conn
	byUser map[string]map[string]*ClientConn // userID -> connID -> conn

	conf     ManagerConf
	gwID     string
	onClose  CloseCallback
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(conf ManagerConf, gwID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byConn: make(map[string]*ClientConn),
		byUser: make(map[string]map[string]*ClientConn),
		conf:   conf,
		gwID:   gwID,
		stopCh: make(chan struct{}),
	}
	safe.Go("conn-sweeper", m.sweeper)
	return m
}

func (m *ConnManager) GwID() string { return m.gwID }

// OnClose 注册摘除回调（路由条件摘除挂这里）。
func (m *ConnManager) OnClose(cb CloseCallback) { m.onClose = cb }

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	conns := make([]*ClientConn, 0, len(m.byConn))
	for _, c := range m.byConn {
		conns = append(conns, c)
	}
	m.byConn = map[string]*ClientConn{}
	m.byUser = map[string]map[string]*ClientConn{}
	m.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

// AddUnauth 新连接登记，鉴权窗口内没升级就被 sweeper 收走。
func (m *ConnManager) AddUnauth(connID string, ch Channel) (*ClientConn, error) {
	if connID == "" || ch == nil {
		return nil, errs.ErrArgs.WrapMsg("connID/channel empty")
	}
	now := m.conf.Clock()
	c := &ClientConn{
		ConnID:    connID,
		Remote:    ch.RemoteAddr(),
		ch:        ch,
		sendQ:     make(chan *Frame, m.conf.SendQueue),
		done:      make(chan struct{}),
		pingEvery: m.conf.PingEvery,
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		TTL:       m.conf.UnauthTTL,
		ExpireAt:  now.Add(m.conf.UnauthTTL),
	}

	m.mu.Lock()
	if _, exists := m.byConn[connID]; exists {
		m.mu.Unlock()
		return nil, errs.New("connID exists")
	}
	m.byConn[connID] = c
	m.mu.Unlock()

	safe.Go("conn-write-pump", c.writePump)
	return c, nil
}

// BindUser 鉴权通过，连接升级为授权态并切到 AuthTTL。
// 超出 MaxPerUser 时淘汰该用户最老的一条。
func (m *ConnManager) BindUser(connID, userID, deviceID string) error {
	if connID == "" || userID == "" || deviceID == "" {
		return errs.ErrArgs.WrapMsg("connID/userID/deviceID empty")
	}
	now := m.conf.Clock()

	var evicted *ClientConn
	m.mu.Lock()
	c, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return errs.New("connID not found")
	}
	if m.conf.MaxPerUser > 0 {
		evicted = m.ensureRoomForUserLocked(userID)
	}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*ClientConn)
	}
	m.byUser[userID][connID] = c

	c.UserID = userID
	c.DeviceID = deviceID
	c.Authorized = true
	c.TTL = m.conf.AuthTTL
	c.ExpireAt = now.Add(m.conf.AuthTTL)
	c.UpdatedAt = now
	c.Heartbeat = now
	m.mu.Unlock()

	if evicted != nil {
		m.finishClose(evicted)
	}
	return nil
}

// RefreshHeartbeat 心跳续期。
func (m *ConnManager) RefreshHeartbeat(connID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byConn[connID]
	if !ok {
		return errs.New("connID not found")
	}
	c.Heartbeat = now
	c.ExpireAt = now.Add(c.TTL)
	c.UpdatedAt = now
	return nil
}

// Remove 关闭并摘除一条连接，触发 OnClose 回调。
func (m *ConnManager) Remove(connID string) {
	m.mu.Lock()
	c, ok := m.byConn[connID]
	if ok {
		m.detachLocked(c)
	}
	m.mu.Unlock()
	if ok {
		m.finishClose(c)
	}
}

// 调用方必须持锁。
func (m *ConnManager) detachLocked(c *ClientConn) {
	delete(m.byConn, c.ConnID)
	if c.Authorized && c.UserID != "" {
		if mm := m.byUser[c.UserID]; mm != nil {
			delete(mm, c.ConnID)
			if len(mm) == 0 {
				delete(m.byUser, c.UserID)
			}
		}
	}
}

func (m *ConnManager) finishClose(c *ClientConn) {
	c.shutdown()
	if m.onClose != nil && c.Authorized {
		m.onClose(c)
	}
}

// Get 按 connID 查。
func (m *ConnManager) Get(connID string) (*ClientConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byConn[connID]
	return c, ok
}

// ListUserConns 用户当前所有授权连接。
func (m *ConnManager) ListUserConns(userID string) []*ClientConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	out := make([]*ClientConn, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	return out
}

// SendToUser 给用户的目标设备投帧，逐设备给出结果。
// deviceFilter 为空投全部设备，非空是白名单；排除式过滤见 SendToUserExcept。
// 一台设备多条连接只要求投成一条。
func (m *ConnManager) SendToUser(userID string, deviceFilter []string, f *Frame) []*rpc.DeviceOutcome {
	conns := m.ListUserConns(userID)

	byDevice := make(map[string][]*ClientConn)
	for _, c := range conns {
		byDevice[c.DeviceID] = append(byDevice[c.DeviceID], c)
	}

	targets := deviceFilter
	if len(targets) == 0 {
		targets = make([]string, 0, len(byDevice))
		for dev := range byDevice {
			targets = append(targets, dev)
		}
	}

	out := make([]*rpc.DeviceOutcome, 0, len(targets))
	for _, dev := range targets {
		cs := byDevice[dev]
		if len(cs) == 0 {
			out = append(out, &rpc.DeviceOutcome{DeviceID: dev, Outcome: rpc.OutcomeOffline})
			continue
		}
		outcome := rpc.OutcomeNotWritable
		var detail string
		for _, c := range cs {
			if err := c.EnqueueFrame(f); err == nil {
				outcome = rpc.OutcomeDelivered
				detail = ""
				break
			} else {
				detail = err.Error()
			}
		}
		out = append(out, &rpc.DeviceOutcome{DeviceID: dev, Outcome: outcome, Detail: detail})
	}
	return out
}

// SendToUserExcept 反向过滤：投给用户除 exclude 外的所有在线设备。
// 多端同步时排除事件来源设备用。被排除的设备不出现在结果里。
func (m *ConnManager) SendToUserExcept(userID string, exclude []string, f *Frame) []*rpc.DeviceOutcome {
	skip := make(map[string]struct{}, len(exclude))
	for _, dev := range exclude {
		skip[dev] = struct{}{}
	}
	targets := make([]string, 0, 4)
	seen := make(map[string]struct{})
	for _, c := range m.ListUserConns(userID) {
		if _, ok := skip[c.DeviceID]; ok {
			continue
		}
		if _, ok := seen[c.DeviceID]; ok {
			continue
		}
		seen[c.DeviceID] = struct{}{}
		targets = append(targets, c.DeviceID)
	}
	if len(targets) == 0 {
		return nil
	}
	return m.SendToUser(userID, targets, f)
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.SweepOnce(m.conf.Clock())
		}
	}
}

// SweepOnce 摘除所有到期连接，返回条数。
func (m *ConnManager) SweepOnce(now time.Time) int {
	var expired []*ClientConn
	m.mu.Lock()
	for _, c := range m.byConn {
		if now.After(c.ExpireAt) {
			expired = append(expired, c)
			m.detachLocked(c)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		logger.Info("conn expired",
			zap.String("conn_id", c.ConnID),
			zap.String("user_id", c.UserID),
			zap.Bool("authorized", c.Authorized))
		m.finishClose(c)
	}
	return len(expired)
}

// ===== 最大连接数/挤下线 =====

// 调用方必须持锁。满员时摘掉最老一条并返回，由调用方解锁后关闭。
func (m *ConnManager) ensureRoomForUserLocked(userID string) *ClientConn {
	mm := m.byUser[userID]
	if len(mm) < m.conf.MaxPerUser {
		return nil
	}
	var oldest *ClientConn
	for _, c := range mm {
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	if oldest != nil {
		m.detachLocked(oldest)
	}
	return oldest
}
