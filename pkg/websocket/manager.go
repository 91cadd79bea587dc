package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"im-client/internal/realtime"
	"im-client/pkg/redis"

	"github.com/gorilla/websocket"
)

// Client 代表一个WebSocket连接的用户
// UserID: 用户ID
// Conn: WebSocket连接
// Send: 发送帧的通道

type Client struct {
	UserID uint64
	Conn   *websocket.Conn
	Send   chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

// NewClient 创建连接客户端
func NewClient(userID uint64, conn *websocket.Conn) *Client {
	return &Client{
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// Done 连接关闭信号
func (c *Client) Done() <-chan struct{} { return c.done }

// shutdown 标记连接关闭，幂等
// Send通道不关闭，并发推送方只会写入被丢弃的缓冲，不会触发panic
func (c *Client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// trySend 非阻塞推送一帧；连接已关闭或发送队列已满时返回false
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Manager 管理所有在线用户的WebSocket连接
// 支持并发安全、Redis离线帧暂存

type Manager struct {
	clients map[uint64]*Client // 在线用户
	lock    sync.RWMutex
}

var manager = &Manager{
	clients: make(map[uint64]*Client),
}

// GetManager 获取全局WebSocket管理器
func GetManager() *Manager {
	return manager
}

// AddClient 添加新连接
func (m *Manager) AddClient(userID uint64, client *Client) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.clients[userID] = client

	// 补推Redis中暂存的离线帧
	go m.pushOfflineFrames(userID, client)
}

// RemoveClient 移除连接
func (m *Manager) RemoveClient(userID uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if c, ok := m.clients[userID]; ok {
		c.shutdown()
		delete(m.clients, userID)
	}
}

// SendFrameToUser 推送一帧给指定用户
// 返回是否实时送达；用户不在线时帧被暂存到Redis，返回false
func (m *Manager) SendFrameToUser(userID uint64, f realtime.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}

	m.lock.RLock()
	client, ok := m.clients[userID]
	m.lock.RUnlock()
	if ok && client.trySend(data) {
		// 在线，直接推送
		return true
	}

	// 不在线，暂存到Redis待上线补推
	go func() {
		_ = redis.AddOfflineFrame(userID, data)
	}()
	return false
}

// IsOnline 判断用户是否在线
func (m *Manager) IsOnline(userID uint64) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.clients[userID]
	return ok
}

// pushOfflineFrames 按暂存顺序补推离线帧
func (m *Manager) pushOfflineFrames(userID uint64, client *Client) {
	frames, err := redis.GetOfflineFrames(userID, redis.MaxOfflineFrames)
	if err != nil {
		return
	}

	for _, frame := range frames {
		select {
		case client.Send <- frame:
		case <-client.done:
			// 连接已关闭，停止补推
			return
		case <-time.After(5 * time.Second):
			// 发送超时，停止补推
			return
		}
	}

	// 补推完成后清空暂存
	_ = redis.ClearOfflineFrames(userID)
}
