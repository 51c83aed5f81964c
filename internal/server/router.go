package server

import (
	"context"

	"safestream/internal/engine"
	sig "safestream/pkg/signal"
)

// RouteMessage 解析并分发一条入站消息。出错时只回复发送方，不影响其它连接。
func (s *Server) RouteMessage(ctx context.Context, c *Client, msg *sig.Message) {
	s.logger.Debugw("RouteMessage", "connectionID", c.ID, "event", msg.Event, "requestID", msg.RequestID)

	req, err := sig.Decode(msg)
	if err != nil {
		s.replyError(c, msg, err)
		return
	}

	switch r := req.(type) {
	case *sig.CreateRoomRequest:
		err = s.handleCreateRoom(ctx, c, msg)
	case *sig.ProduceRequest:
		err = s.handleProduce(ctx, c, msg, r)
	case *sig.ConsumeRequest:
		err = s.handleConsume(ctx, c, msg, r)
	case *sig.OfferRequest:
		err = s.forwardDescription(c, msg, &r.SessionDescription)
	case *sig.AnswerRequest:
		err = s.forwardDescription(c, msg, &r.SessionDescription)
	case *sig.CandidateRequest:
		err = s.forwardCandidate(c, msg, &r.Candidate)
	case *sig.LeaveRequest:
		s.unregisterClient(c)
	case *sig.PingRequest:
		s.reply(c, msg, sig.EventPong, nil)
	}
	if err != nil {
		s.replyError(c, msg, err)
	}
}

// -------------------- 各种处理函数 --------------------

func (s *Server) handleCreateRoom(ctx context.Context, c *Client, msg *sig.Message) error {
	transport, err := s.engine.CreateRoom(ctx, c.ID)
	if err != nil {
		return err
	}
	s.reply(c, msg, sig.EventTransportCreated, transportCreated(transport))
	return nil
}

func (s *Server) handleProduce(ctx context.Context, c *Client, msg *sig.Message, r *sig.ProduceRequest) error {
	producer, err := s.engine.Produce(ctx, c.ID, r.RTPParameters, r.Kind)
	if err != nil {
		return err
	}
	s.reply(c, msg, sig.EventStreamReady, &sig.StreamReady{
		PlaybackURL: producer.PlaybackURL,
		ProducerID:  producer.ID,
	})

	announce, err := sig.NewMessage(sig.EventNewStream, &sig.NewStream{
		PlaybackURL: producer.PlaybackURL,
		ProducerID:  producer.ID,
		RoomID:      producer.RoomID,
	})
	if err != nil {
		return err
	}
	s.broadcast(c.ID, announce)
	s.logger.Infow("stream started", "connectionID", c.ID, "producerID", producer.ID, "kind", producer.Kind)
	return nil
}

func (s *Server) handleConsume(ctx context.Context, c *Client, msg *sig.Message, r *sig.ConsumeRequest) error {
	res, err := s.engine.Consume(ctx, c.ID, r.RTPCapabilities)
	if err != nil {
		return err
	}
	s.reply(c, msg, sig.EventConsumerTransportCreated, &sig.ConsumerTransportCreated{
		TransportCreated: *transportCreated(res.Transport),
		ConsumerID:       res.Consumer.ID,
		ProducerID:       res.Producer.ID,
		Kind:             res.Producer.Kind,
	})
	return nil
}

// forwardDescription 把 offer / answer 原样转给目标连接，并标注来源
func (s *Server) forwardDescription(c *Client, msg *sig.Message, d *sig.SessionDescription) error {
	target, err := s.target(c, d.TargetID)
	if err != nil {
		return err
	}
	out := *d
	out.From = c.ID
	return s.forward(target, msg, &out)
}

func (s *Server) forwardCandidate(c *Client, msg *sig.Message, cand *sig.Candidate) error {
	target, err := s.target(c, cand.TargetID)
	if err != nil {
		return err
	}
	out := *cand
	out.From = c.ID
	return s.forward(target, msg, &out)
}

func (s *Server) target(c *Client, targetID string) (*Client, error) {
	if targetID == c.ID {
		return nil, ErrUnknownPeer
	}
	target := s.client(targetID)
	if target == nil || !s.registry.IsRegistered(targetID) {
		return nil, ErrUnknownPeer
	}
	return target, nil
}

func (s *Server) forward(target *Client, msg *sig.Message, data interface{}) error {
	out, err := sig.NewMessage(msg.Event, data)
	if err != nil {
		return err
	}
	target.SendMessage(out)
	return nil
}

// -------------------- 回复辅助方法 --------------------

// reply 发送对请求的回执，带回客户端的 requestId
func (s *Server) reply(c *Client, req *sig.Message, event sig.Event, data interface{}) {
	msg, err := sig.NewMessage(event, data)
	if err != nil {
		s.replyError(c, req, err)
		return
	}
	msg.RequestID = req.RequestID
	c.SendMessage(msg)
}

func (s *Server) replyError(c *Client, req *sig.Message, err error) {
	code := errorCode(err)
	if code == CodeInternal {
		s.logger.Errorw("request failed", "connectionID", c.ID, "event", req.Event, "error", err)
	} else {
		s.logger.Debugw("request rejected", "connectionID", c.ID, "event", req.Event, "code", code, "error", err)
	}
	c.SendError(req, code, err.Error())
}

func transportCreated(t *engine.MediaTransport) *sig.TransportCreated {
	return &sig.TransportCreated{
		ID:             t.ID,
		ICEParameters:  t.ICEParameters,
		ICECandidates:  t.ICECandidates,
		DTLSParameters: t.DTLSParameters,
	}
}
