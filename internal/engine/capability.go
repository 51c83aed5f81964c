package engine

import (
	"strings"

	"safestream/pkg/signal"
)

// CanConsume 判断消费端的接收能力是否与生产端的编码兼容：
// 只要双方有一组 (MIME 类型, 时钟频率) 相同即可。MIME 比较不区分大小写。
func CanConsume(producerCodecs []signal.RTPCodecParameters, caps signal.RTPCapabilities) bool {
	for _, pc := range producerCodecs {
		for _, cc := range caps.Codecs {
			if strings.EqualFold(pc.MimeType, cc.MimeType) && pc.ClockRate == cc.ClockRate {
				return true
			}
		}
	}
	return false
}

// CanConsume 按 producerID 查找 Producer 后做兼容性判断
func (e *Engine) CanConsume(producerID string, caps signal.RTPCapabilities) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	producer, ok := e.producers[producerID]
	if !ok {
		return false, ErrProducerNotFound
	}
	return canConsume(producer, caps), nil
}

// canConsume 需持有 e.mu，Consume 与 CanConsume 共用
func canConsume(producer *Producer, caps signal.RTPCapabilities) bool {
	return CanConsume(producer.RTPParameters.Codecs, caps)
}
