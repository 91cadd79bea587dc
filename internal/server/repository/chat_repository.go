package repository

import (
	"errors"

	"im-client/internal/server/model"

	"gorm.io/gorm"
)

// ChatRepository 会话数据仓储
type ChatRepository struct {
	orm *gorm.DB
}

// NewChatRepository 创建ChatRepository实例
func NewChatRepository(orm *gorm.DB) *ChatRepository {
	return &ChatRepository{orm: orm}
}

// GetByID 根据ID获取会话
func (r *ChatRepository) GetByID(id uint64) (*model.Chat, error) {
	var chat model.Chat
	err := r.orm.First(&chat, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("chat not found")
		}
		return nil, err
	}
	return &chat, nil
}

// GetOrCreate 获取或创建两名用户之间的会话
// 成员按ID升序规范化，保证一对用户只有一个会话
func (r *ChatRepository) GetOrCreate(userA, userB uint64) (*model.Chat, error) {
	if userA == userB {
		return nil, errors.New("cannot chat with yourself")
	}
	if userA > userB {
		userA, userB = userB, userA
	}

	var chat model.Chat
	err := r.orm.Where("user_a_id = ? AND user_b_id = ?", userA, userB).First(&chat).Error
	if err == nil {
		return &chat, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	chat = model.Chat{UserAID: userA, UserBID: userB}
	if err := r.orm.Create(&chat).Error; err != nil {
		return nil, err
	}
	return &chat, nil
}

// ListByUser 获取用户参与的全部会话
func (r *ChatRepository) ListByUser(userID uint64) ([]*model.Chat, error) {
	var chats []*model.Chat
	err := r.orm.Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("updated_at DESC").
		Find(&chats).Error
	return chats, err
}
