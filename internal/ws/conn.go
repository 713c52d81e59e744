package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"musicchat/internal/auth"
	"musicchat/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 64 << 10
)

var (
	ErrSlowConsumer = errors.New("ws: send queue full")
	errClosed       = errors.New("ws: connection closed")
)

// Client 是 relay.Transport 的 WebSocket 实现。写入只入队，由 writePump 串行写出；
// 队列满视为对端失联。
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{conn: conn, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (c *Client) Write(frame []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClosed
	default:
		return ErrSlowConsumer
	}
}

// Close 通知 writePump 冲刷队列、发送关闭帧并断开连接。
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type Options struct {
	SendBuffer  int
	CheckOrigin func(r *http.Request) bool
}

// Serve 升级连接后交给 Coordinator 完成认证握手，认证失败时由 Coordinator 写出 AuthRejected 并关闭。
func Serve(coord *relay.Coordinator, opts Options) gin.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: opts.CheckOrigin}
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("ws upgrade")
			return
		}
		client := newClient(conn, opts.SendBuffer)
		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			client.writePump()
		}()

		ctx := c.Request.Context()
		session, err := coord.Connect(ctx, token, client)
		if err != nil {
			<-pumpDone
			return
		}
		client.readPump(ctx, coord, session)
		<-pumpDone
	}
}

// readPump 在读失败（对端断开、超时）时关闭会话，与写失败走同一条清理路径。
func (c *Client) readPump(ctx context.Context, coord *relay.Coordinator, s *relay.Session) {
	defer s.Close()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("session_id", s.ID()).Msg("ws read")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		coord.Handle(ctx, s, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.drain()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeFrame(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
