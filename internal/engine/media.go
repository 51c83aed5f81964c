package engine

import (
	"context"

	"safestream/pkg/signal"
)

// Direction 传输方向
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// TransportParameters 客户端完成自己一侧协商所需的参数
type TransportParameters struct {
	ICEParameters  signal.ICEParameters
	ICECandidates  []signal.ICECandidate
	DTLSParameters signal.DTLSParameters
}

// MediaHandle 媒体引擎中的一条传输，释放连接时必须 Close
type MediaHandle interface {
	Parameters() TransportParameters
	Close() error
}

// MediaEngine 承载真正媒体传输的外部能力。
// Start 完成前 Ready 返回 false，此时不应接受信令连接。
type MediaEngine interface {
	Start(ctx context.Context) error
	Ready() bool
	CreateTransport(ctx context.Context, direction Direction) (MediaHandle, error)
	// Codecs 路由支持的编码，Produce 的参数至少要命中其中一个
	Codecs() []signal.RTPCodecCapability
}
