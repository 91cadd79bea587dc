package repository

import (
	"errors"
	"time"

	"im-client/internal/server/model"

	"gorm.io/gorm"
)

// MessageRepository 消息数据仓储
type MessageRepository struct {
	orm *gorm.DB
}

// NewMessageRepository 创建MessageRepository实例
func NewMessageRepository(orm *gorm.DB) *MessageRepository {
	return &MessageRepository{orm: orm}
}

// Create 创建消息
func (r *MessageRepository) Create(message *model.Message) error {
	return r.orm.Create(message).Error
}

// GetByID 根据ID获取消息
func (r *MessageRepository) GetByID(id uint64) (*model.Message, error) {
	var message model.Message
	err := r.orm.First(&message, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("message not found")
		}
		return nil, err
	}
	return &message, nil
}

// GetByCorrelation 根据关联标识获取消息（发送幂等）
func (r *MessageRepository) GetByCorrelation(token string) (*model.Message, error) {
	var message model.Message
	err := r.orm.Where("correlation_token = ?", token).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

// GetChatMessages 获取会话消息，按时间倒序分页
func (r *MessageRepository) GetChatMessages(chatID uint64, limit, offset int) ([]*model.Message, error) {
	var messages []*model.Message

	err := r.orm.Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error

	return messages, err
}

// MarkRead 将一批消息标记为已读
// 仅对发给 readerID 的消息生效（不能把自己发的消息标记为已读）
// 返回实际被更新的消息
func (r *MessageRepository) MarkRead(chatID, readerID uint64, ids []uint64) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.orm.Where("chat_id = ? AND id IN ? AND sender_id <> ? AND is_read = ?",
		chatID, ids, readerID, false).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	now := time.Now()
	updated := make([]uint64, 0, len(messages))
	for _, m := range messages {
		updated = append(updated, m.ID)
		m.IsRead = true
		m.Status = "read"
		m.ReadAt = &now
	}

	err = r.orm.Model(&model.Message{}).
		Where("id IN ?", updated).
		Updates(map[string]interface{}{"is_read": true, "status": "read", "read_at": now}).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// UpdateStatus 推进单条消息的投递状态
func (r *MessageRepository) UpdateStatus(id uint64, status string) error {
	return r.orm.Model(&model.Message{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// GetUnreadMessages 获取会话内发给指定用户的未读消息
func (r *MessageRepository) GetUnreadMessages(chatID, userID uint64) ([]*model.Message, error) {
	var messages []*model.Message

	err := r.orm.Where("chat_id = ? AND sender_id <> ? AND is_read = ?", chatID, userID, false).
		Order("created_at ASC").
		Find(&messages).Error

	return messages, err
}
