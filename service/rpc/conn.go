package rpc

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/tools/errs"
)

// Conf NATS 连接配置。
type Conf struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// 全局单例
var (
	conn     *nats.Conn
	connOnce sync.Once
)

// Init 建立全局 NATS 连接，只会执行一次。无限重连，断线期间请求快速失败。
func Init(cfg Conf) (*nats.Conn, error) {
	var err error
	connOnce.Do(func() {
		if len(cfg.Servers) == 0 {
			err = errs.New("nats servers missing")
			return
		}
		if cfg.ReconnectWait == 0 {
			cfg.ReconnectWait = 500 * time.Millisecond
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = 3 * time.Second
		}
		opts := []nats.Option{
			nats.Name(cfg.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(cfg.ReconnectWait),
			nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
			nats.Timeout(cfg.Timeout),
			nats.DisconnectErrHandler(func(_ *nats.Conn, derr error) {
				logger.Warn("nats disconnected", zap.Error(derr))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
		}
		var nc *nats.Conn
		nc, err = nats.Connect(strings.Join(cfg.Servers, ","), opts...)
		if err != nil {
			return
		}
		conn = nc
	})
	if conn == nil {
		if err == nil {
			err = errs.New("nats connection not initialized")
		}
		return nil, err
	}
	return conn, nil
}

// GetConn 获取全局连接，未初始化会 panic。
func GetConn() *nats.Conn {
	if conn == nil {
		panic("nats not initialized, call rpc.Init first")
	}
	return conn
}

// Close 优雅关闭。
func Close() error {
	if conn == nil {
		return nil
	}
	err := conn.Drain()
	conn = nil
	return err
}
