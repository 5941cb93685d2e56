package gateway

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pigeon/logger"
	"pigeon/tools/safe"
)

// ===== TCP 接入 =====

type TCPServer struct {
	gw   *Gateway
	ln   net.Listener
	addr string
}

func NewTCPServer(gw *Gateway, addr string) *TCPServer {
	return &TCPServer{gw: gw, addr: addr}
}

// Start 监听并为每条连接起处理协程。
func (s *TCPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	logger.Info("tcp gateway listening", zap.String("addr", s.addr))
	safe.Go("tcp-accept", s.acceptLoop)
	return nil
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			logger.Warn("tcp accept stopped", zap.Error(err))
			return
		}
		c := conn
		safe.Go("tcp-conn", func() {
			ch := newTCPChannel(c, s.gw.conf.MaxFrameBytes, s.gw.conf.WriteWait)
			s.gw.HandleChannel(ch)
		})
	}
}

func (s *TCPServer) Close() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

// ===== WebSocket 接入 =====

type WSServer struct {
	gw       *Gateway
	addr     string
	srv      *http.Server
	upgrader websocket.Upgrader
}

func NewWSServer(gw *Gateway, addr string) *WSServer {
	return &WSServer{
		gw:   gw,
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 鉴权在首帧做，握手阶段不看 Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *WSServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("ws gateway listening", zap.String("addr", s.addr))
	safe.Go("ws-serve", func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ws server stopped", zap.Error(err))
		}
	})
	return nil
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	safe.Go("ws-conn", func() {
		ch := newWSChannel(conn, s.gw.conf.MaxFrameBytes, s.gw.conf.WriteWait)
		s.gw.HandleChannel(ch)
	})
}

func (s *WSServer) Close() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}
