package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"pigeon/tools/errs"
)

// 投递走 request/reply：dispatch 按 gatewayId 定点问某台网关，
// 网关同步回每台设备的投递结果。subject 每网关一个。
const deliverSubjectPrefix = "push.gw."

func DeliverSubject(gatewayID string) string {
	return deliverSubjectPrefix + gatewayID
}

// 单设备投递结果码。
const (
	OutcomeDelivered   = "delivered"    // 已写入连接
	OutcomeOffline     = "offline"      // 该设备在此网关无活跃连接
	OutcomeNotWritable = "not_writable" // 连接在但发送队列满
	OutcomeError       = "error"        // 写失败（断管等）
)

type DeliverRequest struct {
	UserID       string   `json:"user_id"`
	DeviceFilter []string `json:"device_filter,omitempty"` // 空=该用户全部设备
	Payload      []byte   `json:"payload"`
	TraceID      string   `json:"trace_id,omitempty"`
}

type DeviceOutcome struct {
	DeviceID string `json:"device_id"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

type DeliverResult struct {
	GatewayID string           `json:"gateway_id"`
	Outcomes  []*DeviceOutcome `json:"outcomes"`
}

// Delivered 至少有一台设备投成。
func (r *DeliverResult) Delivered() bool {
	for _, o := range r.Outcomes {
		if o.Outcome == OutcomeDelivered {
			return true
		}
	}
	return false
}

// DeliverClient dispatch 侧客户端。连接全局共享，按 subject 寻址，
// 不需要每网关一条连接。
type DeliverClient struct {
	nc *nats.Conn
}

func NewDeliverClient(nc *nats.Conn) *DeliverClient {
	return &DeliverClient{nc: nc}
}

// Deliver 定点投递，ctx 承载截止时间。网关无应答（宕机/未订阅）
// 按不可达返回错误，调用方走离线兜底。
func (c *DeliverClient) Deliver(ctx context.Context, gatewayID string, req *DeliverRequest) (*DeliverResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	msg, err := c.nc.RequestWithContext(ctx, DeliverSubject(gatewayID), data)
	if err != nil {
		return nil, errs.WrapMsg(err, "deliver request", "gateway", gatewayID)
	}
	var res DeliverResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil, errs.Wrap(err)
	}
	return &res, nil
}

// DeliverHandler 网关侧回调：把 payload 写给该用户的目标设备。
type DeliverHandler func(ctx context.Context, req *DeliverRequest) *DeliverResult

// ServeDeliver 网关订阅自己的 subject 并应答。
func ServeDeliver(nc *nats.Conn, gatewayID string, h DeliverHandler) (*nats.Subscription, error) {
	return nc.Subscribe(DeliverSubject(gatewayID), func(m *nats.Msg) {
		var req DeliverRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			_ = m.Respond([]byte(fmt.Sprintf(`{"gateway_id":%q,"outcomes":[]}`, gatewayID)))
			return
		}
		res := h(context.Background(), &req)
		if res == nil {
			res = &DeliverResult{GatewayID: gatewayID}
		}
		data, _ := json.Marshal(res)
		_ = m.Respond(data)
	})
}
