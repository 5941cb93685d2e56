package gateway

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"pigeon/tools/errs"
)

// ===== 线协议 =====
// [4B 大端长度][JSON 包体]，长度只算包体。TCP 与 WS 共用包体格式，
// WS 下长度前缀由 websocket 消息边界代替。

// 帧类型
const (
	FrameAuth    = "auth"     // 首帧必须是它
	FrameAuthAck = "auth_ack" //
	FramePing    = "ping"
	FramePong    = "pong"
	FrameMsg     = "msg"   // 服务端下行推送
	FrameClose   = "close" // 服务端主动断开前的通知
)

// Frame 双向统一信封。
type Frame struct {
	Version  int             `json:"version"`
	StreamID string          `json:"stream_id,omitempty"`
	TS       int64           `json:"ts"`
	TraceID  string          `json:"trace_id,omitempty"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload 首帧载荷。
type AuthPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

// AuthAckPayload 鉴权应答。
type AuthAckPayload struct {
	OK     bool   `json:"ok"`
	UserID string `json:"user_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

var ErrFrameTooLarge = errs.New("frame exceeds max size")

// EncodeFrame 序列化并加长度前缀。
func EncodeFrame(f *Frame, maxBytes int) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if maxBytes > 0 && len(body) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// EncodeBody 只序列化包体（WS 用，消息边界已由传输层保证）。
func EncodeBody(f *Frame, maxBytes int) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if maxBytes > 0 && len(body) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	return body, nil
}

// ReadFrame 从流里读一帧。长度超限直接断言协议违规，调用方应断开连接，
// 不尝试跳过（跳过意味着还得读完攻击者声明的长度）。
func ReadFrame(r *bufio.Reader, maxBytes int) (*Frame, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if maxBytes > 0 && int(n) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return DecodeBody(body)
}

// DecodeBody 解包体。
func DecodeBody(body []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, errs.Wrap(err)
	}
	if f.Type == "" {
		return nil, errs.ErrArgs.WrapMsg("frame type empty")
	}
	return &f, nil
}
