package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/service/route"
	"pigeon/service/rpc"
)

// Deliverer 网关投递口（生产实现 rpc.DeliverClient，测试用桩）。
type Deliverer interface {
	Deliver(ctx context.Context, gatewayID string, req *rpc.DeliverRequest) (*rpc.DeliverResult, error)
}

// Invalidator 路由缓存失效口，CachedDirectory 实现。
type Invalidator interface {
	Invalidate(userID string)
}

// PushResult 一次在线推送的汇总。
// Online=false 不是错误：消息已在离线索引里，客户端 Pull 兜底。
type PushResult struct {
	UserID   string               `json:"user_id"`
	Online   bool                 `json:"online"` // 至少一台设备投成
	Fallback bool                 `json:"fallback"`
	Outcomes []*rpc.DeviceOutcome `json:"outcomes,omitempty"`
}

type Conf struct {
	DeliverTimeout time.Duration // 单网关投递截止
}

// Dispatcher 在线投递：查路由 → 按网关分组 → 定点投递 → 汇总结果。
type Dispatcher struct {
	routes  route.Directory
	deliver Deliverer
	conf    Conf
}

func New(routes route.Directory, deliver Deliverer, conf Conf) *Dispatcher {
	if conf.DeliverTimeout <= 0 {
		conf.DeliverTimeout = 2 * time.Second
	}
	return &Dispatcher{routes: routes, deliver: deliver, conf: conf}
}

// PushToUser 给一个用户的全部在线设备推 payload。
// 单网关失败只影响该网关上的设备，不影响其它网关的投递。
func (d *Dispatcher) PushToUser(ctx context.Context, userID string, payload []byte, traceID string) (*PushResult, error) {
	res := &PushResult{UserID: userID}

	devRoutes, err := d.routes.ListDeviceRoutes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(devRoutes) == 0 {
		res.Fallback = true
		return res, nil
	}

	// 按网关分组，一个网关一次 RPC
	byGateway := make(map[string][]string)
	for _, r := range devRoutes {
		byGateway[r.GatewayID] = append(byGateway[r.GatewayID], r.DeviceID)
	}

	for gw, devices := range byGateway {
		cctx, cancel := context.WithTimeout(ctx, d.conf.DeliverTimeout)
		dres, err := d.deliver.Deliver(cctx, gw, &rpc.DeliverRequest{
			UserID:       userID,
			DeviceFilter: devices,
			Payload:      payload,
			TraceID:      traceID,
		})
		cancel()
		if err != nil {
			// 网关不可达：路由可能已陈旧，失效本地缓存，等 TTL 收敛
			logger.Warn("gateway unreachable",
				zap.String("gateway", gw),
				zap.String("user", userID),
				zap.String("trace_id", traceID),
				zap.Error(err))
			if inv, ok := d.routes.(Invalidator); ok {
				inv.Invalidate(userID)
			}
			for _, dev := range devices {
				res.Outcomes = append(res.Outcomes, &rpc.DeviceOutcome{
					DeviceID: dev,
					Outcome:  rpc.OutcomeError,
					Detail:   "gateway unreachable",
				})
			}
			continue
		}
		res.Outcomes = append(res.Outcomes, dres.Outcomes...)
		if dres.Delivered() {
			res.Online = true
		}
	}

	if !res.Online {
		res.Fallback = true
	}
	return res, nil
}
