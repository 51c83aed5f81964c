package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	sig "safestream/pkg/signal"
)

// 默认信令地址，broadcaster / viewer 共用
var defaultSignalURL = "ws://127.0.0.1:3000/ws"

var ErrClosed = errors.New("signal connection closed")

// ServerError 服务器返回的 error 事件
type ServerError struct {
	sig.ErrorPayload
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Conn 一条到中继的信令连接。收消息的方法不能并发调用。
type Conn struct {
	ID string

	ws       *websocket.Conn
	writeMu  sync.Mutex
	incoming chan *sig.Message
	backlog  []*sig.Message
	seq      atomic.Uint64

	closeOnce sync.Once
	readErr   atomic.Error
}

// Dial 连接中继并等待 welcome，token 以 Bearer 方式透传给中继。
func Dial(ctx context.Context, signalURL, token string) (*Conn, error) {
	if signalURL == "" {
		signalURL = defaultSignalURL
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, signalURL, header)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", signalURL)
	}

	c := &Conn{
		ws:       ws,
		incoming: make(chan *sig.Message, 64),
	}
	go c.readLoop()

	msg, err := c.Await(ctx, sig.EventWelcome)
	if err != nil {
		c.Close()
		return nil, err
	}
	var welcome sig.Welcome
	if err := msg.Unmarshal(&welcome); err != nil {
		c.Close()
		return nil, err
	}
	c.ID = welcome.ConnectionID
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.incoming)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr.Store(err)
			return
		}
		var msg sig.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.incoming <- &msg
	}
}

// Send 发送一条消息，返回为它生成的 requestId
func (c *Conn) Send(event sig.Event, data interface{}) (string, error) {
	msg, err := sig.NewMessage(event, data)
	if err != nil {
		return "", err
	}
	msg.RequestID = fmt.Sprintf("%s-%d", event, c.seq.Inc())
	return msg.RequestID, c.SendRaw(msg)
}

// SendRaw 原样发送消息
func (c *Conn) SendRaw(msg *sig.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Next 返回下一条收到的消息
func (c *Conn) Next(ctx context.Context) (*sig.Message, error) {
	if len(c.backlog) > 0 {
		msg := c.backlog[0]
		c.backlog = c.backlog[1:]
		return msg, nil
	}
	return c.receive(ctx)
}

// Await 等待指定事件，期间收到的其它消息保留给后续的 Next / Await
func (c *Conn) Await(ctx context.Context, event sig.Event) (*sig.Message, error) {
	return c.awaitMatch(ctx, func(m *sig.Message) bool { return m.Event == event })
}

// Request 发送请求并等待带同一 requestId 的回执。
// 回执是 error 事件时返回 *ServerError。
func (c *Conn) Request(ctx context.Context, event sig.Event, data interface{}, reply sig.Event) (*sig.Message, error) {
	id, err := c.Send(event, data)
	if err != nil {
		return nil, err
	}
	msg, err := c.awaitMatch(ctx, func(m *sig.Message) bool { return m.RequestID == id })
	if err != nil {
		return nil, err
	}
	if msg.Event == sig.EventError {
		return nil, AsServerError(msg)
	}
	if msg.Event != reply {
		return nil, errors.Errorf("unexpected reply %s to %s", msg.Event, event)
	}
	return msg, nil
}

func (c *Conn) awaitMatch(ctx context.Context, match func(*sig.Message) bool) (*sig.Message, error) {
	for i, msg := range c.backlog {
		if match(msg) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return msg, nil
		}
	}
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return nil, err
		}
		if match(msg) {
			return msg, nil
		}
		c.backlog = append(c.backlog, msg)
	}
}

func (c *Conn) receive(ctx context.Context) (*sig.Message, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			if err := c.readErr.Load(); err != nil {
				return nil, errors.Wrap(ErrClosed, err.Error())
			}
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AsServerError 把 error 事件解码为 *ServerError
func AsServerError(msg *sig.Message) *ServerError {
	se := &ServerError{}
	if err := msg.Unmarshal(&se.ErrorPayload); err != nil {
		se.Code = "BadMessage"
		se.Message = err.Error()
	}
	return se
}

// Ping 往返一次心跳
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, sig.EventPing, nil, sig.EventPong)
	return err
}

// Leave 通知中继释放本连接的资源，随后中继会关闭连接
func (c *Conn) Leave() error {
	_, err := c.Send(sig.EventLeave, nil)
	return err
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
