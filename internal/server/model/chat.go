package model

import (
	"time"

	"gorm.io/gorm"
)

// Chat 会话模型（单聊，两名成员）
// 成员按 (UserAID < UserBID) 规范化存储，保证一对用户只有一个会话

type Chat struct {
	ID        uint64         `gorm:"primaryKey"`
	UserAID   uint64         `gorm:"not null;index:idx_chat_members,unique;comment:成员A"`
	UserBID   uint64         `gorm:"not null;index:idx_chat_members,unique;comment:成员B"`
	CreatedAt time.Time      `gorm:"comment:创建时间"`
	UpdatedAt time.Time      `gorm:"comment:更新时间"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Chat) TableName() string { return "chat" }

// HasMember 用户是否是会话成员
func (c *Chat) HasMember(userID uint64) bool {
	return c.UserAID == userID || c.UserBID == userID
}

// PeerOf 返回对端用户ID，非成员返回0
func (c *Chat) PeerOf(userID uint64) uint64 {
	switch userID {
	case c.UserAID:
		return c.UserBID
	case c.UserBID:
		return c.UserAID
	default:
		return 0
	}
}
