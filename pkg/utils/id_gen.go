package utils

import (
	"strings"

	"github.com/google/uuid"
)

// ID 前缀，方便在日志中一眼看出 ID 属于哪类对象
const (
	ConnectionPrefix = "CO_"
	TransportPrefix  = "TR_"
	ProducerPrefix   = "PR_"
	ConsumerPrefix   = "CS_"
)

// GenID 生成带前缀的随机 ID，例如 "TR_3f2a9c0d1e4b4a7f"
func GenID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + raw[:16]
}
