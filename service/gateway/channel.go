package gateway

import (
	"bufio"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Channel 传输抽象：TCP 与 WebSocket 之上统一的帧读写。
// ReadFrame 阻塞；读超时即连接判死，由读循环负责收尾。
type Channel interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// ===== TCP =====

type tcpChannel struct {
	conn      net.Conn
	r         *bufio.Reader
	maxBytes  int
	writeWait time.Duration
}

func newTCPChannel(conn net.Conn, maxBytes int, writeWait time.Duration) *tcpChannel {
	return &tcpChannel{
		conn:      conn,
		r:         bufio.NewReader(conn),
		maxBytes:  maxBytes,
		writeWait: writeWait,
	}
}

func (c *tcpChannel) ReadFrame() (*Frame, error) {
	return ReadFrame(c.r, c.maxBytes)
}

func (c *tcpChannel) WriteFrame(f *Frame) error {
	data, err := EncodeFrame(f, c.maxBytes)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

func (c *tcpChannel) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *tcpChannel) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
func (c *tcpChannel) Close() error                      { return c.conn.Close() }

// ===== WebSocket =====

type wsChannel struct {
	conn      *websocket.Conn
	maxBytes  int
	writeWait time.Duration
}

func newWSChannel(conn *websocket.Conn, maxBytes int, writeWait time.Duration) *wsChannel {
	conn.SetReadLimit(int64(maxBytes))
	return &wsChannel{conn: conn, maxBytes: maxBytes, writeWait: writeWait}
}

func (c *wsChannel) ReadFrame() (*Frame, error) {
	_, body, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeBody(body)
}

func (c *wsChannel) WriteFrame(f *Frame) error {
	data, err := EncodeBody(f, c.maxBytes)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsChannel) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsChannel) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
func (c *wsChannel) Close() error                      { return c.conn.Close() }
