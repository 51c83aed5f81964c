package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Role 连接的角色，只能从 unassigned 设置一次
type Role string

const (
	RoleUnassigned  Role = "unassigned"
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

var (
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrNotRegistered     = errors.New("connection not registered")
	ErrRoleConflict      = errors.New("connection already holds a different role")
	ErrInvalidRole       = errors.New("invalid role")
)

// Connection 一个信令连接的会话记录
type Connection struct {
	ID        string
	UserToken string // 由认证服务颁发，这里不做校验
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	role   Role
	closed bool
}

func (c *Connection) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// Closed 连接注销后为 true，之后不会再变回 open
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Context 在连接注销时被取消，用于中止该连接发起的协商
func (c *Connection) Context() context.Context {
	return c.ctx
}

// ReleaseFunc 在连接注销后被调用，用于级联释放该连接拥有的资源
type ReleaseFunc func(connectionID string)

// Registry 进程内的连接表
type Registry struct {
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	connections map[string]*Connection

	hooksMu sync.RWMutex
	hooks   []ReleaseFunc
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// OnRelease 注册级联释放回调
func (r *Registry) OnRelease(f ReleaseFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, f)
}

// Register 新建连接记录。parent 被取消时连接的 Context 也随之取消。
func (r *Registry) Register(parent context.Context, id string, role Role, userToken string) (*Connection, error) {
	switch role {
	case RoleUnassigned, RoleBroadcaster, RoleViewer:
	default:
		return nil, errors.Wrapf(ErrInvalidRole, "%q", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[id]; exists {
		return nil, errors.Wrap(ErrAlreadyRegistered, id)
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		ID:        id,
		UserToken: userToken,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		role:      role,
	}
	r.connections[id] = c
	r.logger.Debugw("connection registered", "connectionID", id, "role", role)
	return c, nil
}

func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[id]
	return c, ok
}

func (r *Registry) IsRegistered(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// AssignRole 执行 unassigned → broadcaster / viewer 的状态迁移。
// 重复设置同一角色是幂等的。
func (r *Registry) AssignRole(id string, role Role) error {
	if role != RoleBroadcaster && role != RoleViewer {
		return errors.Wrapf(ErrInvalidRole, "%q", role)
	}
	c, ok := r.Lookup(id)
	if !ok {
		return errors.Wrap(ErrNotRegistered, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Wrap(ErrNotRegistered, id)
	}
	switch c.role {
	case role:
		return nil
	case RoleUnassigned:
		c.role = role
		r.logger.Debugw("connection role assigned", "connectionID", id, "role", role)
		return nil
	default:
		return errors.Wrapf(ErrRoleConflict, "%s is %s", id, c.role)
	}
}

// Unregister 删除连接，取消其 Context，并级联释放其资源。
// 连接不存在时返回 false。
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	c, ok := r.connections[id]
	if ok {
		delete(r.connections, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	c.cancel()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	r.hooksMu.RLock()
	hooks := append([]ReleaseFunc(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, release := range hooks {
		release(id)
	}

	r.logger.Debugw("connection unregistered", "connectionID", id, "age", time.Since(c.CreatedAt))
	return true
}

// IDs 返回当前所有连接 ID 的快照
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
