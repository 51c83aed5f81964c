package signal

import (
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

var (
	// ErrMalformed 消息无法解析或事件未知
	ErrMalformed = errors.New("malformed message")
	// ErrInvalidParameters 消息能解析但参数不合法
	ErrInvalidParameters = errors.New("invalid parameters")
)

// Request 是经过校验的入站消息，每种事件一个具体类型
type Request interface {
	Event() Event
	Validate() error
}

type CreateRoomRequest struct{}

type ProduceRequest struct {
	RTPParameters RTPParameters `json:"rtpParameters"`
	Kind          MediaKind     `json:"kind"`
}

type ConsumeRequest struct {
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

type OfferRequest struct{ SessionDescription }

type AnswerRequest struct{ SessionDescription }

type CandidateRequest struct{ Candidate }

type LeaveRequest struct{}

type PingRequest struct{}

func (*CreateRoomRequest) Event() Event { return EventCreateRoom }
func (*ProduceRequest) Event() Event    { return EventProduce }
func (*ConsumeRequest) Event() Event    { return EventConsume }
func (*OfferRequest) Event() Event      { return EventOffer }
func (*AnswerRequest) Event() Event     { return EventAnswer }
func (*CandidateRequest) Event() Event  { return EventCandidate }
func (*LeaveRequest) Event() Event      { return EventLeave }
func (*PingRequest) Event() Event       { return EventPing }

func (*CreateRoomRequest) Validate() error { return nil }
func (*LeaveRequest) Validate() error      { return nil }
func (*PingRequest) Validate() error       { return nil }

func (r *ProduceRequest) Validate() error {
	if !r.Kind.Valid() {
		return errors.Wrapf(ErrInvalidParameters, "unsupported kind %q", r.Kind)
	}
	return r.RTPParameters.Validate()
}

// Validate 不检查能力集内容，是否可订阅由引擎判断
func (r *ConsumeRequest) Validate() error { return nil }

func (r *OfferRequest) Validate() error {
	return r.validate(webrtc.SDPTypeOffer)
}

func (r *AnswerRequest) Validate() error {
	return r.validate(webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer)
}

func (d *SessionDescription) validate(types ...webrtc.SDPType) error {
	if d.TargetID == "" {
		return errors.Wrap(ErrInvalidParameters, "targetId required")
	}
	allowed := false
	for _, t := range types {
		if d.SDP.Type == t {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Wrapf(ErrInvalidParameters, "unexpected sdp type %s", d.SDP.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP.SDP)); err != nil {
		return errors.Wrapf(ErrInvalidParameters, "sdp: %v", err)
	}
	return nil
}

func (r *CandidateRequest) Validate() error {
	if r.TargetID == "" {
		return errors.Wrap(ErrInvalidParameters, "targetId required")
	}
	if strings.TrimSpace(r.Candidate.Candidate.Candidate) == "" {
		return errors.Wrap(ErrInvalidParameters, "candidate required")
	}
	return nil
}

// Decode 把原始消息解析成具体的 Request 并完成校验。
// 解析失败返回 ErrMalformed，校验失败返回 ErrInvalidParameters。
func Decode(msg *Message) (Request, error) {
	var req Request
	switch msg.Event {
	case EventCreateRoom:
		req = &CreateRoomRequest{}
	case EventProduce:
		req = &ProduceRequest{}
	case EventConsume:
		req = &ConsumeRequest{}
	case EventOffer:
		req = &OfferRequest{}
	case EventAnswer:
		req = &AnswerRequest{}
	case EventCandidate:
		req = &CandidateRequest{}
	case EventLeave:
		req = &LeaveRequest{}
	case EventPing:
		req = &PingRequest{}
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown event %q", msg.Event)
	}

	switch req.(type) {
	case *CreateRoomRequest, *LeaveRequest, *PingRequest:
		// 无负载，忽略客户端多带的 data
	default:
		if err := msg.Unmarshal(req); err != nil {
			return nil, err
		}
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
