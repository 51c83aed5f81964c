package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"safestream/pkg/signal"
)

// Compile-time interface check.
var _ MediaEngine = (*PionEngine)(nil)

// PionConfig 媒体引擎的网络参数
type PionConfig struct {
	// AnnouncedIP 写进 host candidate 的对外地址，空表示使用本机地址
	AnnouncedIP string
	EnableTCP   bool
	UDPPortMin  uint16
	UDPPortMax  uint16
	ICEServers  []webrtc.ICEServer
	// Codecs 路由支持的编码，为空时默认只注册 VP8/90000
	Codecs []signal.RTPCodecCapability
}

// PionEngine 基于 pion 的 ORTC 对象（ICEGatherer / ICETransport / DTLSTransport）
// 为每个对端创建一条传输，并导出 ICE / DTLS 参数交给客户端。
type PionEngine struct {
	config PionConfig
	logger *zap.SugaredLogger

	ready       atomic.Bool
	api         *webrtc.API
	certificate *webrtc.Certificate
}

func NewPionEngine(config PionConfig, logger *zap.SugaredLogger) *PionEngine {
	return &PionEngine{
		config: config,
		logger: logger,
	}
}

// DefaultCodecs 默认只路由 VP8 视频
func DefaultCodecs() []signal.RTPCodecCapability {
	return []signal.RTPCodecCapability{
		{Kind: signal.KindVideo, MimeType: webrtc.MimeTypeVP8, PreferredPayloadType: 96, ClockRate: 90000},
	}
}

func (p *PionEngine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	codecs := p.Codecs()
	mediaEngine := &webrtc.MediaEngine{}
	for i, c := range codecs {
		codecType := webrtc.RTPCodecTypeVideo
		if c.Kind == signal.KindAudio || strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
			codecType = webrtc.RTPCodecTypeAudio
		}
		payloadType := c.PreferredPayloadType
		if payloadType == 0 {
			payloadType = uint8(96 + i)
		}
		err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  c.MimeType,
				ClockRate: uint32(c.ClockRate),
				Channels:  c.Channels,
			},
			PayloadType: webrtc.PayloadType(payloadType),
		}, codecType)
		if err != nil {
			return errors.Wrapf(err, "register codec %s", c.MimeType)
		}
	}

	settings := webrtc.SettingEngine{}
	networkTypes := []webrtc.NetworkType{webrtc.NetworkTypeUDP4}
	if p.config.EnableTCP {
		networkTypes = append(networkTypes, webrtc.NetworkTypeTCP4)
	}
	settings.SetNetworkTypes(networkTypes)
	if p.config.AnnouncedIP != "" {
		settings.SetNAT1To1IPs([]string{p.config.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if p.config.UDPPortMin != 0 && p.config.UDPPortMax != 0 {
		if err := settings.SetEphemeralUDPPortRange(p.config.UDPPortMin, p.config.UDPPortMax); err != nil {
			return errors.Wrap(err, "udp port range")
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.Wrap(err, "generate dtls key")
	}
	certificate, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return errors.Wrap(err, "generate dtls certificate")
	}

	p.certificate = certificate
	p.api = webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settings))
	p.ready.Store(true)
	p.logger.Infow("media engine ready", "codecs", len(codecs), "announcedIP", p.config.AnnouncedIP, "tcp", p.config.EnableTCP)
	return nil
}

func (p *PionEngine) Ready() bool {
	return p.ready.Load()
}

// Codecs 返回配置的编码，未配置时为 DefaultCodecs
func (p *PionEngine) Codecs() []signal.RTPCodecCapability {
	if len(p.config.Codecs) == 0 {
		return DefaultCodecs()
	}
	return p.config.Codecs
}

func (p *PionEngine) CreateTransport(ctx context.Context, direction Direction) (MediaHandle, error) {
	if !p.Ready() {
		return nil, ErrEngineNotReady
	}

	gatherer, err := p.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: p.config.ICEServers})
	if err != nil {
		return nil, errors.Wrap(err, "new ice gatherer")
	}

	// 收集完成时 pion 会以 nil candidate 回调
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, errors.Wrap(err, "gather ice candidates")
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParameters, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, errors.Wrap(err, "ice parameters")
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, errors.Wrap(err, "ice candidates")
	}

	iceTransport := p.api.NewICETransport(gatherer)
	dtlsTransport, err := p.api.NewDTLSTransport(iceTransport, []webrtc.Certificate{*p.certificate})
	if err != nil {
		_ = iceTransport.Stop()
		_ = gatherer.Close()
		return nil, errors.Wrap(err, "new dtls transport")
	}
	dtlsParameters, err := dtlsTransport.GetLocalParameters()
	if err != nil {
		_ = dtlsTransport.Stop()
		_ = iceTransport.Stop()
		_ = gatherer.Close()
		return nil, errors.Wrap(err, "dtls parameters")
	}

	handle := &pionHandle{
		gatherer: gatherer,
		ice:      iceTransport,
		dtls:     dtlsTransport,
		params: TransportParameters{
			ICEParameters: signal.ICEParameters{
				UsernameFragment: iceParameters.UsernameFragment,
				Password:         iceParameters.Password,
				ICELite:          iceParameters.ICELite,
			},
			ICECandidates:  convertCandidates(candidates),
			DTLSParameters: convertDTLS(dtlsParameters),
		},
	}
	p.logger.Debugw("transport gathered", "direction", direction, "candidates", len(candidates))
	return handle, nil
}

type pionHandle struct {
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   TransportParameters

	closeOnce sync.Once
	closeErr  error
}

func (h *pionHandle) Parameters() TransportParameters {
	return h.params
}

func (h *pionHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = multierr.Combine(
			h.dtls.Stop(),
			h.ice.Stop(),
			h.gatherer.Close(),
		)
	})
	return h.closeErr
}

func convertCandidates(in []webrtc.ICECandidate) []signal.ICECandidate {
	out := make([]signal.ICECandidate, 0, len(in))
	for _, c := range in {
		out = append(out, signal.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func convertDTLS(in webrtc.DTLSParameters) signal.DTLSParameters {
	out := signal.DTLSParameters{
		Role:         in.Role.String(),
		Fingerprints: make([]signal.DTLSFingerprint, 0, len(in.Fingerprints)),
	}
	for _, f := range in.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, signal.DTLSFingerprint{
			Algorithm: f.Algorithm,
			Value:     f.Value,
		})
	}
	return out
}
