package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// ===== 错误码 =====
// 分段：1xxx 调用方问题，2xxx 基础设施瞬时问题，3xxx 投递结果。
const (
	ServerInternalError = 500

	ArgsError      = 1001 // 参数校验失败，不重试
	PermDeniedCode = 1002 // 无发言权限
	AuthErrorCode  = 1003 // 凭证无效/过期

	SeqUnavailable   = 2001 // 发号器不可用，整体重试
	StorageError     = 2002 // 主存储失败，整体重试
	DirectoryTimeout = 2003 // 社交目录超时，任务级重试

	RouteMissCode    = 3001 // 无在线路由，走离线 Pull，不是错误但可携带原因
	ChannelNotWrite  = 3002 // 连接存在但写队列满
	ChannelBrokenErr = 3003 // 写失败（断管）
)

var (
	ErrInternal       = NewCodeError(ServerInternalError, "server internal error")
	ErrArgs           = NewCodeError(ArgsError, "invalid argument")
	ErrPermDenied     = NewCodeError(PermDeniedCode, "send permission denied")
	ErrAuth           = NewCodeError(AuthErrorCode, "invalid credential")
	ErrSeqUnavailable = NewCodeError(SeqUnavailable, "sequence generator unavailable")
	ErrStorage        = NewCodeError(StorageError, "storage failure")
	ErrDirTimeout     = NewCodeError(DirectoryTimeout, "social directory timeout")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return c
}

// Wrap 附带调用栈返回（pkg/errors）。
func (e *CodeError) Wrap() error {
	return pkgerr.WithStack(e)
}

// WrapMsg 克隆后追加 detail 并附带调用栈，kv 成对出现。
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	c := e.clone()
	if msg != "" || len(kv) > 0 {
		d := toString(msg, kv)
		if c.Detail == "" {
			c.Detail = d
		} else {
			c.Detail += ", " + d
		}
	}
	return pkgerr.WithStack(c)
}

// New 构造一个内部错误，格式化消息。
func New(format string, args ...any) error {
	return pkgerr.WithStack(&CodeError{Code: ServerInternalError, Msg: fmt.Sprintf(format, args...)})
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerr.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerr.WithMessage(err, toString(msg, kv))
}

// Code 提取错误码；非 CodeError 一律按内部错误处理。
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if err == nil {
		return 0
	}
	return ServerInternalError
}

func IsCode(err error, code int) bool {
	return Code(err) == code
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i > 0 || msg != "" {
			sb.WriteString(" ")
		}
		sb.WriteString(fmt.Sprintf("%v", kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprintf("%v", kv[i+1]))
		}
	}
	return sb.String()
}
