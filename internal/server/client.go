package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"safestream/internal/metrics"
	"safestream/internal/session"
	sig "safestream/pkg/signal"
)

// Client 一个 WebSocket 连接。readPump 只负责读和入队，
// processLoop 按到达顺序逐条处理，writePump 负责写和心跳。
type Client struct {
	ID        string
	UserToken string

	conn    *websocket.Conn
	server  *Server
	ctx     context.Context // 连接注销时取消
	logger  *zap.SugaredLogger
	inbound chan *sig.Message

	mu     sync.RWMutex
	send   chan []byte
	closed bool
}

func NewClient(conn *websocket.Conn, s *Server, record *session.Connection) *Client {
	return &Client{
		ID:        record.ID,
		UserToken: record.UserToken,
		conn:      conn,
		server:    s,
		ctx:       record.Context(),
		logger:    s.logger.With("connectionID", record.ID),
		inbound:   make(chan *sig.Message, s.config.InboundBufferSize),
		send:      make(chan []byte, s.config.SendBufferSize),
	}
}

func (c *Client) readPump() {
	defer func() {
		close(c.inbound)
		c.server.unregisterClient(c)
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, msgBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("websocket read error", "error", err)
			}
			return
		}

		var msg sig.Message
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			c.SendError(&sig.Message{Event: "unknown"}, CodeBadMessage, "invalid message format")
			continue
		}
		metrics.MessageCounter.WithLabelValues("in", string(msg.Event)).Inc()

		select {
		case c.inbound <- &msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// processLoop 保证同一连接的消息按到达顺序处理；
// 耗时的传输建立只阻塞本连接，不影响其它连接。
func (c *Client) processLoop() {
	for msg := range c.inbound {
		if c.ctx.Err() != nil {
			continue
		}
		c.server.RouteMessage(c.ctx, c, msg)
	}
}

func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage 非阻塞入队；队列满或连接已关闭时丢弃
func (c *Client) SendMessage(msg *sig.Message) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		c.logger.Errorw("SendMessage marshal error", "error", err)
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		metrics.MessageCounter.WithLabelValues("out", string(msg.Event)).Inc()
		return true
	default:
		metrics.DroppedCounter.Inc()
		c.logger.Warnw("send buffer full, dropping message", "event", msg.Event)
		return false
	}
}

func (c *Client) SendEvent(event sig.Event, data interface{}) bool {
	msg, err := sig.NewMessage(event, data)
	if err != nil {
		c.logger.Errorw("could not build message", "event", event, "error", err)
		return false
	}
	return c.SendMessage(msg)
}

// SendError 回复 error 事件，request 关联到原请求
func (c *Client) SendError(req *sig.Message, code, message string) {
	metrics.ErrorCounter.WithLabelValues(code).Inc()
	msg, err := sig.NewMessage(sig.EventError, &sig.ErrorPayload{
		Code:    code,
		Message: message,
		Request: req.Correlation(),
	})
	if err != nil {
		c.logger.Errorw("could not build error message", "error", err)
		return
	}
	msg.RequestID = req.RequestID
	c.SendMessage(msg)
}

// closeSend 关闭发送队列，writePump 随后发出 close 帧并断开
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
