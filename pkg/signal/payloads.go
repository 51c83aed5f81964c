package signal

import (
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// MediaKind 媒体类型
type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

func (k MediaKind) Valid() bool {
	return k == KindVideo || k == KindAudio
}

// RTPCodecParameters 生产端声明的编码参数
type RTPCodecParameters struct {
	MimeType    string                 `json:"mimeType"`
	PayloadType uint8                  `json:"payloadType,omitempty"`
	ClockRate   int                    `json:"clockRate"`
	Channels    uint16                 `json:"channels,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type RTPEncodingParameters struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

// RTPParameters 是 produce 请求中的 rtpParameters
type RTPParameters struct {
	Mid       string                  `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters    `json:"codecs"`
	Encodings []RTPEncodingParameters `json:"encodings,omitempty"`
}

// Validate 做基础形状校验：至少一个 codec，MIME 非空，时钟频率为正
func (p RTPParameters) Validate() error {
	if len(p.Codecs) == 0 {
		return errors.Wrap(ErrInvalidParameters, "rtpParameters.codecs must not be empty")
	}
	for i, c := range p.Codecs {
		if strings.TrimSpace(c.MimeType) == "" {
			return errors.Wrapf(ErrInvalidParameters, "rtpParameters.codecs[%d].mimeType is empty", i)
		}
		if c.ClockRate <= 0 {
			return errors.Wrapf(ErrInvalidParameters, "rtpParameters.codecs[%d].clockRate must be positive", i)
		}
	}
	return nil
}

// RTPCodecCapability 消费端声明的接收能力
type RTPCodecCapability struct {
	Kind                 MediaKind `json:"kind,omitempty"`
	MimeType             string    `json:"mimeType"`
	PreferredPayloadType uint8     `json:"preferredPayloadType,omitempty"`
	ClockRate            int       `json:"clockRate"`
	Channels             uint16    `json:"channels,omitempty"`
}

type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// -------------------- 出站负载 --------------------

type Welcome struct {
	ConnectionID string `json:"connectionId"`
}

// TransportCreated 对应 transport-created
type TransportCreated struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConsumerTransportCreated 对应 consumer-transport-created
type ConsumerTransportCreated struct {
	TransportCreated
	ConsumerID string    `json:"consumerId"`
	ProducerID string    `json:"producerId"`
	Kind       MediaKind `json:"kind"`
}

type StreamReady struct {
	PlaybackURL string `json:"playbackUrl"`
	ProducerID  string `json:"producerId"`
}

type NewStream struct {
	PlaybackURL string `json:"playbackUrl"`
	ProducerID  string `json:"producerId"`
	RoomID      string `json:"roomId"`
}

type StreamEnded struct {
	ProducerID string `json:"producerId"`
	RoomID     string `json:"roomId"`
}

// ErrorPayload 是 error 事件的负载；Request 为原请求的 requestId 或事件名
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

// SessionDescription 用于 offer / answer 的转发
type SessionDescription struct {
	TargetID string                    `json:"targetId"`
	From     string                    `json:"from,omitempty"`
	SDP      webrtc.SessionDescription `json:"sdp"`
}

// Candidate 用于 ICE candidate 的转发
type Candidate struct {
	TargetID  string                  `json:"targetId"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
