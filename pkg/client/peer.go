package client

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	sig "safestream/pkg/signal"
)

// Peer 经中继转发 offer / answer / candidate 建立的点对点连接，
// 用于 broadcaster 和 viewer 之间的直连通道。
type Peer struct {
	TargetID string

	conn *Conn
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel

	mu          sync.Mutex
	remoteSet   bool
	pendingICEs []webrtc.ICECandidateInit
}

// NewPeer 创建到 targetID 的 PeerConnection，本地 candidate 自动经中继发送
func NewPeer(conn *Conn, targetID string, config webrtc.Configuration) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}
	p := &Peer{TargetID: targetID, conn: conn, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = conn.SendCandidate(targetID, c.ToJSON())
	})
	return p, nil
}

// Offer 创建数据通道并发送 offer
func (p *Peer) Offer() error {
	dc, err := p.pc.CreateDataChannel("safestream", nil)
	if err != nil {
		return err
	}
	p.dc = dc

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return p.conn.SendOffer(p.TargetID, offer)
}

// HandleOffer 应用远端 offer 并回复 answer
func (p *Peer) HandleOffer(offer webrtc.SessionDescription) error {
	if err := p.setRemote(offer); err != nil {
		return err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return p.conn.SendAnswer(p.TargetID, answer)
}

func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	return p.setRemote(answer)
}

// AddCandidate 远端描述未设置前先缓存 candidate
func (p *Peer) AddCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pendingICEs = append(p.pendingICEs, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingICEs
	p.pendingICEs = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// Handle 处理一条转发来的信令消息，忽略其它来源的消息
func (p *Peer) Handle(msg *sig.Message) error {
	switch msg.Event {
	case sig.EventOffer, sig.EventAnswer:
		var d sig.SessionDescription
		if err := msg.Unmarshal(&d); err != nil {
			return err
		}
		if d.From != p.TargetID {
			return nil
		}
		if msg.Event == sig.EventOffer {
			return p.HandleOffer(d.SDP)
		}
		return p.HandleAnswer(d.SDP)
	case sig.EventCandidate:
		var c sig.Candidate
		if err := msg.Unmarshal(&c); err != nil {
			return err
		}
		if c.From != p.TargetID {
			return nil
		}
		return p.AddCandidate(c.Candidate)
	}
	return nil
}

// Run 持续处理转发来的信令，直到 ctx 取消或连接关闭
func (p *Peer) Run(ctx context.Context) error {
	for {
		msg, err := p.conn.Next(ctx)
		if err != nil {
			return err
		}
		if err := p.Handle(msg); err != nil {
			return err
		}
	}
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
