package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"safestream/internal/engine"
	"safestream/internal/metrics"
	"safestream/internal/session"
	sig "safestream/pkg/signal"
	"safestream/pkg/utils"
)

// Config WebSocket 连接参数
type Config struct {
	SendBufferSize    int
	InboundBufferSize int
	ReadLimit         int64
	PongWait          time.Duration
	PingPeriod        time.Duration
	WriteWait         time.Duration
}

var DefaultConfig = Config{
	SendBufferSize:    256,
	InboundBufferSize: 32,
	ReadLimit:         512 * 1024,
	PongWait:          60 * time.Second,
	PingPeriod:        54 * time.Second,
	WriteWait:         10 * time.Second,
}

// Server 信令服务器
type Server struct {
	config   Config
	registry *session.Registry
	engine   *engine.Engine
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	clients  map[string]*Client // connectionID -> Client
	upgrader websocket.Upgrader
}

func NewServer(config Config, registry *session.Registry, eng *engine.Engine, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		registry: registry,
		engine:   eng,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[string]*Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	eng.OnStreamEnded(s.notifyStreamEnded)
	return s
}

// ServeWS WebSocket 入口。媒体引擎未就绪时拒绝连接。
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Ready() {
		http.Error(w, "media engine not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}

	client, err := s.registerClient(conn, userToken(r))
	if err != nil {
		s.logger.Warnw("could not register client", "error", err)
		conn.Close()
		return
	}

	// welcome 先入队，保证是客户端收到的第一帧
	client.SendEvent(sig.EventWelcome, &sig.Welcome{ConnectionID: client.ID})

	go client.writePump()
	go client.processLoop()
	go client.readPump()
}

func (s *Server) registerClient(conn *websocket.Conn, token string) (*Client, error) {
	id := utils.GenID(utils.ConnectionPrefix)
	record, err := s.registry.Register(s.ctx, id, session.RoleUnassigned, token)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn, s, record)

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()

	metrics.ConnectionGauge.Inc()
	s.logger.Infow("client connected", "connectionID", id, "remote", conn.RemoteAddr().String())
	return c, nil
}

// unregisterClient 可重复调用。注销连接会取消其进行中的协商并级联释放资源。
func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c.ID]
	delete(s.clients, c.ID)
	s.mu.Unlock()

	s.registry.Unregister(c.ID)
	c.closeSend()

	if ok {
		metrics.ConnectionGauge.Dec()
		s.logger.Infow("client disconnected", "connectionID", c.ID)
	}
}

func (s *Server) client(id string) *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

// broadcast 发给除 exceptID 以外的所有客户端。单个客户端发送失败不影响其它客户端。
func (s *Server) broadcast(exceptID string, msg *sig.Message) {
	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for id, c := range s.clients {
		if id != exceptID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.SendMessage(msg)
	}
}

func (s *Server) notifyStreamEnded(ev engine.StreamEnded) {
	msg, err := sig.NewMessage(sig.EventStreamEnded, &sig.StreamEnded{
		ProducerID: ev.ProducerID,
		RoomID:     ev.RoomID,
	})
	if err != nil {
		s.logger.Errorw("could not build stream-ended", "error", err)
		return
	}
	for _, id := range ev.Viewers {
		if c := s.client(id); c != nil {
			c.SendMessage(msg)
		}
	}
}

// Close 断开所有客户端
func (s *Server) Close() {
	s.cancel()

	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		s.unregisterClient(c)
	}
}

// userToken 取出认证服务颁发的令牌，只做透传
func userToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
