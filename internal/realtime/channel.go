package realtime

import (
	"context"
	"time"

	"im-client/internal/model"
)

// 帧类型
const (
	FrameChat        = "chat"        // 聊天消息（双向）
	FrameStatus      = "status"      // 投递状态推送（服务端→客户端）
	FrameCorrelation = "correlation" // 关联确认（服务端→客户端）
	FrameAckRead     = "ack_read"    // 已读回执（客户端→服务端）
	FrameTyping      = "typing"      // 正在输入（双向）
	FrameHeartbeat   = "heartbeat"   // 心跳（客户端→服务端）
)

// Frame 实时通道的JSON帧
type Frame struct {
	Type             string   `json:"type"`
	ChatID           uint64   `json:"chat_id,omitempty"`
	MsgID            uint64   `json:"msg_id,omitempty"`
	MsgIDs           []uint64 `json:"msg_ids,omitempty"`
	CorrelationToken string   `json:"correlation_token,omitempty"`
	SenderID         uint64   `json:"sender_id,omitempty"`
	UserID           uint64   `json:"user_id,omitempty"`
	Content          string   `json:"content,omitempty"`
	Status           string   `json:"status,omitempty"`
	SentAt           int64    `json:"sent_at,omitempty"` // Unix毫秒
	Typing           bool     `json:"typing,omitempty"`
}

// Message 将chat帧还原为消息记录
func (f Frame) Message() *model.Message {
	m := &model.Message{
		CorrelationToken: f.CorrelationToken,
		ServerID:         f.MsgID,
		ChatID:           f.ChatID,
		SenderID:         f.SenderID,
		Content:          f.Content,
		Status:           model.ParseStatus(f.Status),
	}
	if f.SentAt > 0 {
		m.SentAt = time.UnixMilli(f.SentAt)
	} else {
		m.SentAt = time.Now()
	}
	return m
}

// Channel 实时通道抽象
// 进程内唯一一条连接，多个会话通过 Registry 订阅各自的事件
type Channel interface {
	// IsConnected 通道当前是否可用
	IsConnected() bool
	// Connect 建立连接并启动收发循环
	Connect(ctx context.Context) error
	// SendFrame 尝试写入一帧，返回是否被通道接受
	SendFrame(f Frame) bool
	// Frames 入站帧，按到达顺序
	Frames() <-chan Frame
	// StateChanges 连接状态变化
	StateChanges() <-chan bool
	// Close 关闭连接
	Close() error
}
