package model

import (
	"time"
)

// Message 客户端消息记录
// 同一逻辑消息可能经乐观展示、实时推送、HTTP拉取多条路径到达，
// 以 CorrelationToken / ServerID 归并为唯一一条记录
type Message struct {
	CorrelationToken string         `json:"correlation_token,omitempty"` // 客户端生成的关联标识，非本端发出的消息为空
	ServerID         uint64         `json:"server_id,omitempty"`         // 服务端ID，确认前为0，赋值后不可变
	ChatID           uint64         `json:"chat_id"`                     // 会话ID
	SenderID         uint64         `json:"sender_id"`                   // 发送者ID
	Content          string         `json:"content"`                     // 消息内容，获得ServerID后不可变
	SentAt           time.Time      `json:"sent_at"`                     // 确认前为本地估计时间，确认后采用服务端时间（只前移不回退）
	Status           DeliveryStatus `json:"status"`                      // 投递状态
	IsRead           bool           `json:"is_read"`                     // 是否已读
	ReadAt           time.Time      `json:"read_at,omitempty"`           // 首次达到已读的时间，写入后不再覆盖
	IsOwn            bool           `json:"is_own"`                      // 派生字段：放入会话存储时按当前用户重新计算
}

// HasServerID 是否已获得服务端ID
func (m *Message) HasServerID() bool { return m.ServerID > 0 }

// Clone 深拷贝，供只读快照使用
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}

// ChatSummary 会话摘要
// 由消息写入与已读状态变化驱动更新
type ChatSummary struct {
	ChatID          uint64    `json:"chat_id"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	UnreadCount     int       `json:"unread_count"` // 对端发来且未读的消息数
}
