package server

import (
	"github.com/pkg/errors"

	"safestream/internal/engine"
	"safestream/internal/session"
	sig "safestream/pkg/signal"
)

// 客户端可见的错误码
const (
	CodeEngineNotReady           = "EngineNotReady"
	CodeNoTransport              = "NoTransport"
	CodeInvalidParameters        = "InvalidParameters"
	CodeNoActiveStream           = "NoActiveStream"
	CodeIncompatibleCapabilities = "IncompatibleCapabilities"
	CodeProducerAlreadyActive    = "ProducerAlreadyActive"
	CodeUnknownPeer              = "UnknownPeer"
	CodeRoleConflict             = "RoleConflict"
	CodeConnectionClosed         = "ConnectionClosed"
	CodeTimeout                  = "Timeout"
	CodeBadMessage               = "BadMessage"
	CodeInternal                 = "Internal"
)

var ErrUnknownPeer = errors.New("unknown peer")

var errorCodes = []struct {
	err  error
	code string
}{
	{engine.ErrEngineNotReady, CodeEngineNotReady},
	{engine.ErrNoTransport, CodeNoTransport},
	{engine.ErrInvalidParameters, CodeInvalidParameters},
	{sig.ErrInvalidParameters, CodeInvalidParameters},
	{engine.ErrNoActiveStream, CodeNoActiveStream},
	{engine.ErrProducerNotFound, CodeNoActiveStream},
	{engine.ErrIncompatibleCapabilities, CodeIncompatibleCapabilities},
	{engine.ErrProducerAlreadyActive, CodeProducerAlreadyActive},
	{ErrUnknownPeer, CodeUnknownPeer},
	{session.ErrRoleConflict, CodeRoleConflict},
	{engine.ErrConnectionClosed, CodeConnectionClosed},
	{session.ErrNotRegistered, CodeConnectionClosed},
	{engine.ErrNegotiationTimeout, CodeTimeout},
	{sig.ErrMalformed, CodeBadMessage},
}

// errorCode 把内部错误映射为错误码，未知错误统一为 Internal
func errorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
