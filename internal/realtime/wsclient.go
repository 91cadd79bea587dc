package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"im-client/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSChannel 基于 gorilla/websocket 的实时通道实现
// 写协程 + ping心跳，读协程刷新读超时，断线后通道进入不可用状态
type WSChannel struct {
	url          string
	accessToken  string
	pingInterval time.Duration
	readTimeout  time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	send   chan Frame
	frames chan Frame
	states chan bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSChannel 创建WebSocket通道
func NewWSChannel(url, accessToken string, pingInterval, readTimeout time.Duration) *WSChannel {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 90 * time.Second
	}
	return &WSChannel{
		url:          url,
		accessToken:  accessToken,
		pingInterval: pingInterval,
		readTimeout:  readTimeout,
		send:         make(chan Frame, 256),
		frames:       make(chan Frame, 256),
		states:       make(chan bool, 8),
	}
}

// IsConnected 通道是否可用
func (c *WSChannel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect 建立连接并启动收发循环
func (c *WSChannel) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.pushState(true)
	logger.Info("实时通道已连接", zap.String("url", c.url))

	go c.writePump(conn)
	go c.readPump(conn)
	return nil
}

// SendFrame 尝试写入一帧
// 未连接或发送队列已满视为未被接受，由调用方回退HTTP通道
func (c *WSChannel) SendFrame(f Frame) bool {
	if !c.IsConnected() {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Frames 入站帧
func (c *WSChannel) Frames() <-chan Frame { return c.frames }

// StateChanges 连接状态变化
func (c *WSChannel) StateChanges() <-chan bool { return c.states }

// Close 关闭连接
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.connected = false
		if c.done != nil {
			close(c.done)
		}
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// writePump 写协程 + 定时发送ping心跳
func (c *WSChannel) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()

	for {
		select {
		case <-done:
			return
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.markDisconnected()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				c.markDisconnected()
				return
			}
		}
	}
}

// readPump 读协程，超时未收到任何数据则断开
func (c *WSChannel) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.markDisconnected()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			logger.Warn("实时帧解析失败", zap.Error(err))
			continue
		}
		select {
		case c.frames <- f:
		default:
			// 消费端积压，丢弃最旧的一帧腾出位置
			select {
			case <-c.frames:
			default:
			}
			c.frames <- f
		}
	}
}

func (c *WSChannel) markDisconnected() {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was {
		c.pushState(false)
		logger.Warn("实时通道已断开")
	}
}

func (c *WSChannel) pushState(connected bool) {
	select {
	case c.states <- connected:
	default:
	}
}
