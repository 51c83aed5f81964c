package signal

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Event 是客户端 / 服务器之间信令消息中的 event 字段取值
type Event string

// 客户端 → 服务器
const (
	EventCreateRoom Event = "create-room"
	EventProduce    Event = "produce"
	EventConsume    Event = "consume"
	EventOffer      Event = "offer"
	EventAnswer     Event = "answer"
	EventCandidate  Event = "candidate"
	EventLeave      Event = "leave"
	EventPing       Event = "ping"
)

// 服务器 → 客户端（offer / answer / candidate 双向复用）
const (
	EventWelcome                  Event = "welcome"
	EventTransportCreated         Event = "transport-created"
	EventStreamReady              Event = "stream-ready"
	EventNewStream                Event = "new-stream"
	EventConsumerTransportCreated Event = "consumer-transport-created"
	EventStreamEnded              Event = "stream-ended"
	EventPong                     Event = "pong"
	EventError                    Event = "error"
)

// Message 是一帧信令消息：事件名 + 负载
type Message struct {
	Event     Event           `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage 把负载编码进消息
func NewMessage(event Event, data interface{}) (*Message, error) {
	msg := &Message{Event: event}
	if data == nil {
		return msg, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", event)
	}
	msg.Data = b
	return msg, nil
}

// Unmarshal 把负载解码到 v
func (m *Message) Unmarshal(v interface{}) error {
	if len(m.Data) == 0 {
		return errors.Wrapf(ErrMalformed, "%s: missing data", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.Wrapf(ErrMalformed, "%s: %v", m.Event, err)
	}
	return nil
}

// Correlation 返回错误回执里用于关联原请求的标识
func (m *Message) Correlation() string {
	if m.RequestID != "" {
		return m.RequestID
	}
	return string(m.Event)
}
