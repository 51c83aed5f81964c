package engine

import (
	"github.com/pkg/errors"
)

var (
	ErrEngineNotReady           = errors.New("media engine is not ready")
	ErrNoTransport              = errors.New("no open transport for connection")
	ErrInvalidParameters        = errors.New("invalid rtp parameters")
	ErrNoActiveStream           = errors.New("no active stream")
	ErrIncompatibleCapabilities = errors.New("rtp capabilities are incompatible with the active producer")
	ErrProducerAlreadyActive    = errors.New("a producer is already active in this room")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrConnectionClosed         = errors.New("connection closed during negotiation")
	ErrNegotiationTimeout       = errors.New("negotiation timed out")
)
