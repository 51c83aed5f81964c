package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "safestream"

var (
	// MessageCounter 信令消息计数，direction 为 in / out
	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "messages_total",
			Help:      "Signaling messages by direction and event.",
		},
		[]string{"direction", "event"},
	)

	// ErrorCounter 回给客户端的错误事件，按错误码计数
	ErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "errors_total",
			Help:      "Error events sent to clients by code.",
		},
		[]string{"code"},
	)

	// DroppedCounter 因发送队列已满被丢弃的出站消息
	DroppedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "dropped_messages_total",
			Help:      "Outbound messages dropped because the send queue was full.",
		},
	)

	ConnectionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "connections",
			Help:      "Currently registered signaling connections.",
		},
	)

	TransportGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transports",
			Help:      "Open media transports by direction.",
		},
		[]string{"direction"},
	)

	ProducerGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "producers",
			Help:      "Active producers.",
		},
	)

	ConsumerGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "consumers",
			Help:      "Active consumers.",
		},
	)

	// NegotiationDuration 等待媒体引擎建立传输的耗时
	NegotiationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "negotiation_seconds",
			Help:      "Time spent waiting for the media engine to create a transport.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"direction", "status"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		MessageCounter,
		ErrorCounter,
		DroppedCounter,
		ConnectionGauge,
		TransportGauge,
		ProducerGauge,
		ConsumerGauge,
		NegotiationDuration,
	}
}

// Register 把所有指标注册到 reg；同一 reg 重复注册不报错
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
