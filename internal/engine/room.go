package engine

// Room 保存一个房间的 Producer 和正在观看的 viewer 连接。
// 由 Engine.mu 保护。
type Room struct {
	ID       string
	producer *Producer
	viewers  map[string]struct{} // connectionID
}

func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		viewers: make(map[string]struct{}),
	}
}

func (r *Room) Producer() *Producer {
	return r.producer
}

func (r *Room) AddViewer(connectionID string) {
	r.viewers[connectionID] = struct{}{}
}

func (r *Room) RemoveViewer(connectionID string) {
	delete(r.viewers, connectionID)
}

func (r *Room) Viewers() []string {
	ids := make([]string, 0, len(r.viewers))
	for id := range r.viewers {
		ids = append(ids, id)
	}
	return ids
}

// clearProducer 移除 Producer 并清空 viewer 列表，返回原先的 viewer
func (r *Room) clearProducer() []string {
	viewers := r.Viewers()
	r.producer = nil
	r.viewers = make(map[string]struct{})
	return viewers
}
