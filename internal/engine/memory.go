package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"safestream/pkg/signal"
)

// Compile-time interface check.
var _ MediaEngine = (*MemoryEngine)(nil)

// MemoryEngine 是不做真实网络收集的 MediaEngine，用于测试和本地开发
// （rtc.engine: memory）。生成的参数形状与真实引擎一致，但不可用于连通。
type MemoryEngine struct {
	announcedIP string
	codecs      []signal.RTPCodecCapability

	ready atomic.Bool
	open  atomic.Int64

	mu   sync.Mutex
	hold chan struct{}
}

// NewMemoryEngine codecs 为空时与 PionEngine 一样只支持 VP8
func NewMemoryEngine(announcedIP string, codecs ...signal.RTPCodecCapability) *MemoryEngine {
	if announcedIP == "" {
		announcedIP = "127.0.0.1"
	}
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	return &MemoryEngine{announcedIP: announcedIP, codecs: codecs}
}

func (m *MemoryEngine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.ready.Store(true)
	return nil
}

func (m *MemoryEngine) Ready() bool {
	return m.ready.Load()
}

func (m *MemoryEngine) Codecs() []signal.RTPCodecCapability {
	return m.codecs
}

// Hold 让后续的 CreateTransport 挂起，直到调用返回的 release。
// 挂起期间忽略 ctx，模拟不响应取消的引擎，用来验证迟到的结果不会污染状态。
func (m *MemoryEngine) Hold() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.hold = ch
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.hold == ch {
				m.hold = nil
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// OpenTransports 返回尚未 Close 的传输数量
func (m *MemoryEngine) OpenTransports() int64 {
	return m.open.Load()
}

func (m *MemoryEngine) CreateTransport(ctx context.Context, direction Direction) (MediaHandle, error) {
	m.mu.Lock()
	hold := m.hold
	m.mu.Unlock()
	if hold != nil {
		<-hold
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := TransportParameters{
		ICEParameters: signal.ICEParameters{
			UsernameFragment: randomHex(8),
			Password:         randomHex(16),
		},
		ICECandidates: []signal.ICECandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			IP:         m.announcedIP,
			Protocol:   "udp",
			Port:       40000,
			Type:       "host",
		}},
		DTLSParameters: signal.DTLSParameters{
			Role: "auto",
			Fingerprints: []signal.DTLSFingerprint{{
				Algorithm: "sha-256",
				Value:     fingerprint(randomHex(32)),
			}},
		},
	}
	m.open.Inc()
	return &memoryHandle{engine: m, params: params}, nil
}

type memoryHandle struct {
	engine *MemoryEngine
	params TransportParameters
	closed atomic.Bool
}

func (h *memoryHandle) Parameters() TransportParameters {
	return h.params
}

func (h *memoryHandle) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.engine.open.Dec()
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// fingerprint 把十六进制串格式化成 "AB:CD:..." 的样子
func fingerprint(h string) string {
	h = strings.ToUpper(h)
	parts := make([]string, 0, len(h)/2)
	for i := 0; i+2 <= len(h); i += 2 {
		parts = append(parts, h[i:i+2])
	}
	return strings.Join(parts, ":")
}
