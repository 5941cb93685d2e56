package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/service/social"
	"pigeon/tools/errs"
)

// msgEvent outbox 落盘的 msg.new 事件体。
type msgEvent struct {
	MsgID     int64  `json:"msg_id"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Seq       int64  `json:"seq"`
	MsgType   int32  `json:"msg_type"`
	TraceID   string `json:"trace_id"`
}

// Pipeline 消费 msg.new 事件并给会话成员做在线推送。
// 推不到的成员靠离线索引 + Pull 兜底，这里不重试单个成员。
type Pipeline struct {
	disp    *Dispatcher
	dir     social.Directory
	timeout time.Duration
}

func NewPipeline(disp *Dispatcher, dir social.Directory, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Pipeline{disp: disp, dir: dir, timeout: timeout}
}

// HandleEvent kafka 消费回调。发送者也推（多端同步自己发的消息）。
func (p *Pipeline) HandleEvent(topic string, key, value []byte) error {
	var evt msgEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		return errs.WrapMsg(err, "bad msg event", "topic", topic)
	}
	if evt.SessionID == "" {
		return errs.ErrArgs.WrapMsg("event session_id empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	members, err := p.dir.ListActiveSessionMembers(ctx, evt.SessionID)
	cancel()
	if err != nil {
		return errs.WrapMsg(err, "list members", "session", evt.SessionID)
	}

	online, fallback := 0, 0
	for _, uid := range members {
		res, perr := p.disp.PushToUser(context.Background(), uid, value, evt.TraceID)
		if perr != nil {
			logger.Warn("push failed",
				zap.String("user", uid),
				zap.String("session", evt.SessionID),
				zap.Int64("msg_id", evt.MsgID),
				zap.Error(perr))
			continue
		}
		if res.Online {
			online++
		} else {
			fallback++
		}
	}
	logger.Debug("msg event dispatched",
		zap.Int64("msg_id", evt.MsgID),
		zap.String("session", evt.SessionID),
		zap.Int("online", online),
		zap.Int("offline", fallback))
	return nil
}
