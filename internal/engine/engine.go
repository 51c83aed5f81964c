package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"safestream/internal/metrics"
	"safestream/internal/session"
	"safestream/pkg/signal"
	"safestream/pkg/utils"
)

const (
	DefaultRoomID             = "main"
	DefaultNegotiationTimeout = 10 * time.Second
)

type Config struct {
	RoomID string
	// PlaybackBaseURL 播放地址前缀，最终地址为 <PlaybackBaseURL>/<producerId>.m3u8
	PlaybackBaseURL    string
	NegotiationTimeout time.Duration
}

// MediaTransport 一个对端的一条已协商网络路径，只属于创建它的连接
type MediaTransport struct {
	ID           string
	ConnectionID string
	Direction    Direction
	TransportParameters

	handle MediaHandle
}

type Producer struct {
	ID            string
	ConnectionID  string
	RoomID        string
	TransportID   string
	Kind          signal.MediaKind
	RTPParameters signal.RTPParameters
	PlaybackURL   string
}

type Consumer struct {
	ID           string
	ConnectionID string
	ProducerID   string
	TransportID  string
}

type ConsumeResult struct {
	Transport *MediaTransport
	Consumer  *Consumer
	Producer  *Producer
}

// StreamEnded 在 Producer 随 broadcaster 连接一起被释放时触发
type StreamEnded struct {
	RoomID     string
	ProducerID string
	Viewers    []string
}

type Stats struct {
	Transports int
	Producers  int
	Consumers  int
}

// peer 一个连接拥有的全部资源
type peer struct {
	transports map[Direction]*MediaTransport
	producer   *Producer
	consumers  map[string]*Consumer // producerID -> Consumer
}

// Engine 负责为每个连接创建传输、挂载 Producer / Consumer，
// 并保证一个房间只有一个 broadcaster 在推流。
type Engine struct {
	config   Config
	media    MediaEngine
	registry *session.Registry
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	rooms     map[string]*Room
	peers     map[string]*peer
	producers map[string]*Producer

	onStreamEnded func(StreamEnded)
}

func New(config Config, media MediaEngine, registry *session.Registry, logger *zap.SugaredLogger) *Engine {
	if config.RoomID == "" {
		config.RoomID = DefaultRoomID
	}
	if config.NegotiationTimeout <= 0 {
		config.NegotiationTimeout = DefaultNegotiationTimeout
	}
	e := &Engine{
		config:    config,
		media:     media,
		registry:  registry,
		logger:    logger,
		rooms:     map[string]*Room{config.RoomID: NewRoom(config.RoomID)},
		peers:     make(map[string]*peer),
		producers: make(map[string]*Producer),
	}
	registry.OnRelease(e.Release)
	return e
}

// OnStreamEnded 设置推流结束回调，回调在锁外执行
func (e *Engine) OnStreamEnded(f func(StreamEnded)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStreamEnded = f
}

func (e *Engine) Ready() bool {
	return e.media.Ready()
}

// ActiveProducer 返回默认房间当前的 Producer
func (e *Engine) ActiveProducer() (*Producer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.rooms[e.config.RoomID].Producer()
	return p, p != nil
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s Stats
	for _, p := range e.peers {
		s.Transports += len(p.transports)
		s.Consumers += len(p.consumers)
	}
	s.Producers = len(e.producers)
	return s
}

// CreateRoom 把连接设为 broadcaster 并为其创建发送方向的传输。
// 已有发送传输时直接返回。
func (e *Engine) CreateRoom(ctx context.Context, connectionID string) (*MediaTransport, error) {
	if !e.media.Ready() {
		return nil, ErrEngineNotReady
	}
	if err := e.registry.AssignRole(connectionID, session.RoleBroadcaster); err != nil {
		return nil, err
	}
	if t := e.transport(connectionID, DirectionSend); t != nil {
		return t, nil
	}
	return e.CreateTransport(ctx, connectionID, DirectionSend)
}

// CreateTransport 为连接分配一条传输。等待媒体引擎期间连接若已注销，
// 结果会被丢弃并关闭，不会写回任何状态。
func (e *Engine) CreateTransport(ctx context.Context, connectionID string, direction Direction) (*MediaTransport, error) {
	if !e.media.Ready() {
		return nil, ErrEngineNotReady
	}
	if !e.registry.IsRegistered(connectionID) {
		return nil, ErrConnectionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.NegotiationTimeout)
	defer cancel()

	start := time.Now()
	handle, err := e.media.CreateTransport(ctx, direction)
	if err != nil {
		metrics.NegotiationDuration.WithLabelValues(string(direction), "error").Observe(time.Since(start).Seconds())
		return nil, settleError(err, "create transport")
	}
	metrics.NegotiationDuration.WithLabelValues(string(direction), "ok").Observe(time.Since(start).Seconds())

	t := &MediaTransport{
		ID:                  utils.GenID(utils.TransportPrefix),
		ConnectionID:        connectionID,
		Direction:           direction,
		TransportParameters: handle.Parameters(),
		handle:              handle,
	}

	e.mu.Lock()
	if !e.registry.IsRegistered(connectionID) || ctx.Err() != nil {
		e.mu.Unlock()
		_ = handle.Close()
		e.logger.Debugw("discarding late transport", "connectionID", connectionID, "direction", direction)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrNegotiationTimeout
		}
		return nil, ErrConnectionClosed
	}
	p := e.peer(connectionID)
	if existing := p.transports[direction]; existing != nil {
		e.mu.Unlock()
		_ = handle.Close()
		return existing, nil
	}
	p.transports[direction] = t
	e.mu.Unlock()

	metrics.TransportGauge.WithLabelValues(string(direction)).Inc()
	e.logger.Infow("transport created", "connectionID", connectionID, "transportID", t.ID, "direction", direction)
	return t, nil
}

// Produce 在连接的发送传输上挂载 Producer。房间已有 Producer 时拒绝
// （ErrProducerAlreadyActive），不会替换。
func (e *Engine) Produce(ctx context.Context, connectionID string, params signal.RTPParameters, kind signal.MediaKind) (*Producer, error) {
	if !kind.Valid() {
		return nil, errors.Wrapf(ErrInvalidParameters, "unsupported kind %q", kind)
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidParameters, err.Error())
	}
	if !CanConsume(params.Codecs, signal.RTPCapabilities{Codecs: e.media.Codecs()}) {
		return nil, errors.Wrap(ErrInvalidParameters, "no codec supported by the router")
	}
	if ctx.Err() != nil {
		return nil, ErrConnectionClosed
	}

	e.mu.Lock()
	if !e.registry.IsRegistered(connectionID) {
		e.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p := e.peers[connectionID]
	if p == nil || p.transports[DirectionSend] == nil {
		e.mu.Unlock()
		return nil, ErrNoTransport
	}
	room := e.rooms[e.config.RoomID]
	if room.producer != nil {
		e.mu.Unlock()
		return nil, ErrProducerAlreadyActive
	}

	id := utils.GenID(utils.ProducerPrefix)
	producer := &Producer{
		ID:            id,
		ConnectionID:  connectionID,
		RoomID:        room.ID,
		TransportID:   p.transports[DirectionSend].ID,
		Kind:          kind,
		RTPParameters: params,
		PlaybackURL:   e.playbackURL(id),
	}
	p.producer = producer
	room.producer = producer
	e.producers[id] = producer
	e.mu.Unlock()

	metrics.ProducerGauge.Inc()
	e.logger.Infow("producer created", "connectionID", connectionID, "producerID", id, "kind", kind, "roomID", room.ID)
	return producer, nil
}

// Consume 把连接设为 viewer，先做能力协商，通过后才分配接收传输和 Consumer
func (e *Engine) Consume(ctx context.Context, connectionID string, caps signal.RTPCapabilities) (*ConsumeResult, error) {
	if err := e.registry.AssignRole(connectionID, session.RoleViewer); err != nil {
		return nil, err
	}

	e.mu.Lock()
	room := e.rooms[e.config.RoomID]
	producer := room.producer
	if producer == nil {
		e.mu.Unlock()
		return nil, ErrNoActiveStream
	}
	if !canConsume(producer, caps) {
		e.mu.Unlock()
		return nil, ErrIncompatibleCapabilities
	}
	var transport *MediaTransport
	if p := e.peers[connectionID]; p != nil {
		transport = p.transports[DirectionRecv]
		if c := p.consumers[producer.ID]; c != nil && transport != nil {
			e.mu.Unlock()
			return &ConsumeResult{Transport: transport, Consumer: c, Producer: producer}, nil
		}
	}
	e.mu.Unlock()

	if transport == nil {
		var err error
		transport, err = e.CreateTransport(ctx, connectionID, DirectionRecv)
		if err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registry.IsRegistered(connectionID) {
		return nil, ErrConnectionClosed
	}
	// 等待传输期间 broadcaster 可能已经离开
	if room.producer == nil || room.producer.ID != producer.ID {
		return nil, ErrNoActiveStream
	}
	consumer := &Consumer{
		ID:           utils.GenID(utils.ConsumerPrefix),
		ConnectionID: connectionID,
		ProducerID:   producer.ID,
		TransportID:  transport.ID,
	}
	e.peer(connectionID).consumers[producer.ID] = consumer
	room.AddViewer(connectionID)

	metrics.ConsumerGauge.Inc()
	e.logger.Infow("consumer created", "connectionID", connectionID, "consumerID", consumer.ID, "producerID", producer.ID)
	return &ConsumeResult{Transport: transport, Consumer: consumer, Producer: producer}, nil
}

// Release 释放连接拥有的全部传输、Producer 和 Consumer。
// 作为 Registry 的级联回调注册，连接注销时自动调用。
func (e *Engine) Release(connectionID string) {
	e.mu.Lock()
	p, ok := e.peers[connectionID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.peers, connectionID)

	handles := make([]MediaHandle, 0, len(p.transports))
	for direction, t := range p.transports {
		handles = append(handles, t.handle)
		metrics.TransportGauge.WithLabelValues(string(direction)).Dec()
	}
	metrics.ConsumerGauge.Sub(float64(len(p.consumers)))
	for _, room := range e.rooms {
		room.RemoveViewer(connectionID)
	}

	var ended *StreamEnded
	if producer := p.producer; producer != nil {
		delete(e.producers, producer.ID)
		metrics.ProducerGauge.Dec()
		viewers := e.rooms[producer.RoomID].clearProducer()
		for _, other := range e.peers {
			if _, ok := other.consumers[producer.ID]; ok {
				delete(other.consumers, producer.ID)
				metrics.ConsumerGauge.Dec()
			}
		}
		ended = &StreamEnded{RoomID: producer.RoomID, ProducerID: producer.ID, Viewers: viewers}
	}
	onStreamEnded := e.onStreamEnded
	e.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			e.logger.Warnw("failed to close transport", "connectionID", connectionID, "error", err)
		}
	}
	e.logger.Debugw("connection resources released", "connectionID", connectionID, "transports", len(handles))

	if ended != nil {
		e.logger.Infow("stream ended", "producerID", ended.ProducerID, "roomID", ended.RoomID, "viewers", len(ended.Viewers))
		if onStreamEnded != nil {
			onStreamEnded(*ended)
		}
	}
}

func (e *Engine) transport(connectionID string, direction Direction) *MediaTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p := e.peers[connectionID]; p != nil {
		return p.transports[direction]
	}
	return nil
}

// peer 需持有 e.mu
func (e *Engine) peer(connectionID string) *peer {
	p, ok := e.peers[connectionID]
	if !ok {
		p = &peer{
			transports: make(map[Direction]*MediaTransport),
			consumers:  make(map[string]*Consumer),
		}
		e.peers[connectionID] = p
	}
	return p
}

func (e *Engine) playbackURL(producerID string) string {
	return strings.TrimRight(e.config.PlaybackBaseURL, "/") + "/" + producerID + ".m3u8"
}

func settleError(err error, op string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrNegotiationTimeout
	case errors.Is(err, context.Canceled):
		return ErrConnectionClosed
	case errors.Is(err, ErrEngineNotReady):
		return ErrEngineNotReady
	default:
		return errors.Wrap(err, op)
	}
}
