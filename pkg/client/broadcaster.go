package client

import (
	"context"

	sig "safestream/pkg/signal"
)

// CreateRoom 申请成为 broadcaster，返回发送传输的参数
func (c *Conn) CreateRoom(ctx context.Context) (*sig.TransportCreated, error) {
	msg, err := c.Request(ctx, sig.EventCreateRoom, nil, sig.EventTransportCreated)
	if err != nil {
		return nil, err
	}
	var t sig.TransportCreated
	if err := msg.Unmarshal(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Produce 在发送传输上开始推流，返回播放地址
func (c *Conn) Produce(ctx context.Context, kind sig.MediaKind, params sig.RTPParameters) (*sig.StreamReady, error) {
	msg, err := c.Request(ctx, sig.EventProduce, &sig.ProduceRequest{
		RTPParameters: params,
		Kind:          kind,
	}, sig.EventStreamReady)
	if err != nil {
		return nil, err
	}
	var ready sig.StreamReady
	if err := msg.Unmarshal(&ready); err != nil {
		return nil, err
	}
	return &ready, nil
}

// StartBroadcast 连接中继并完成 create-room + produce
func StartBroadcast(ctx context.Context, signalURL, token string, kind sig.MediaKind, params sig.RTPParameters) (*Conn, *sig.StreamReady, error) {
	c, err := Dial(ctx, signalURL, token)
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.CreateRoom(ctx); err != nil {
		c.Close()
		return nil, nil, err
	}
	ready, err := c.Produce(ctx, kind, params)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, ready, nil
}

// DefaultVideoParameters 单路 VP8 视频的发送参数
func DefaultVideoParameters() sig.RTPParameters {
	return sig.RTPParameters{
		Mid: "0",
		Codecs: []sig.RTPCodecParameters{
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
		},
		Encodings: []sig.RTPEncodingParameters{{SSRC: 1111}},
	}
}
