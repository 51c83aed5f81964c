package client

import (
	"context"

	"github.com/pion/webrtc/v4"

	sig "safestream/pkg/signal"
)

// DefaultVideoCapabilities 只接收 VP8 视频的能力集
func DefaultVideoCapabilities() sig.RTPCapabilities {
	return sig.RTPCapabilities{
		Codecs: []sig.RTPCodecCapability{
			{Kind: sig.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96},
		},
	}
}

// WaitForStream 等待 new-stream 广播
func (c *Conn) WaitForStream(ctx context.Context) (*sig.NewStream, error) {
	msg, err := c.Await(ctx, sig.EventNewStream)
	if err != nil {
		return nil, err
	}
	var ns sig.NewStream
	if err := msg.Unmarshal(&ns); err != nil {
		return nil, err
	}
	return &ns, nil
}

// WaitForStreamEnd 等待 stream-ended 通知
func (c *Conn) WaitForStreamEnd(ctx context.Context) (*sig.StreamEnded, error) {
	msg, err := c.Await(ctx, sig.EventStreamEnded)
	if err != nil {
		return nil, err
	}
	var ended sig.StreamEnded
	if err := msg.Unmarshal(&ended); err != nil {
		return nil, err
	}
	return &ended, nil
}

// Consume 订阅当前推流，返回接收传输和 consumer 信息
func (c *Conn) Consume(ctx context.Context, caps sig.RTPCapabilities) (*sig.ConsumerTransportCreated, error) {
	msg, err := c.Request(ctx, sig.EventConsume, &sig.ConsumeRequest{RTPCapabilities: caps}, sig.EventConsumerTransportCreated)
	if err != nil {
		return nil, err
	}
	var t sig.ConsumerTransportCreated
	if err := msg.Unmarshal(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SendOffer 经中继把 offer 转给 targetID
func (c *Conn) SendOffer(targetID string, sdp webrtc.SessionDescription) error {
	_, err := c.Send(sig.EventOffer, &sig.SessionDescription{TargetID: targetID, SDP: sdp})
	return err
}

func (c *Conn) SendAnswer(targetID string, sdp webrtc.SessionDescription) error {
	_, err := c.Send(sig.EventAnswer, &sig.SessionDescription{TargetID: targetID, SDP: sdp})
	return err
}

func (c *Conn) SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error {
	_, err := c.Send(sig.EventCandidate, &sig.Candidate{TargetID: targetID, Candidate: candidate})
	return err
}
