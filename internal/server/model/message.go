package model

import (
	"time"

	"gorm.io/gorm"
)

// Message 消息模型
// CorrelationToken 为客户端生成的关联标识，按其做发送幂等
// Status: sent/delivered/read

type Message struct {
	ID               uint64         `gorm:"primaryKey"`
	ChatID           uint64         `gorm:"not null;index;comment:会话ID"`
	SenderID         uint64         `gorm:"not null;index;comment:发送者ID"`
	CorrelationToken string         `gorm:"type:varchar(64);not null;uniqueIndex;comment:客户端关联标识"`
	Content          string         `gorm:"type:text;not null;comment:消息内容"`
	MsgType          string         `gorm:"type:varchar(32);default:'text';comment:消息类型"`
	Status           string         `gorm:"type:varchar(32);default:'sent';comment:消息状态"`
	IsRead           bool           `gorm:"default:false;comment:是否已读"`
	ReadAt           *time.Time     `gorm:"comment:已读时间"`
	CreatedAt        time.Time      `gorm:"comment:创建时间"`
	UpdatedAt        time.Time      `gorm:"comment:更新时间"`
	DeletedAt        gorm.DeletedAt `gorm:"index"`
}

func (Message) TableName() string { return "message" }
