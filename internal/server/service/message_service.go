package service

import (
	"errors"

	"im-client/internal/realtime"
	"im-client/internal/server/model"
	"im-client/internal/server/repository"
	"im-client/pkg/logger"
	"im-client/pkg/redis"

	"go.uber.org/zap"
)

// Pusher 实时推送能力，由WebSocket网关实现
// 返回是否推送成功（用户在线且帧被接受）
type Pusher interface {
	SendFrameToUser(userID uint64, f realtime.Frame) bool
}

// MessageService 消息服务
type MessageService struct {
	messageRepo *repository.MessageRepository
	chatRepo    *repository.ChatRepository
	pusher      Pusher
}

// NewMessageService 创建MessageService实例
func NewMessageService(messageRepo *repository.MessageRepository, chatRepo *repository.ChatRepository, pusher Pusher) *MessageService {
	return &MessageService{
		messageRepo: messageRepo,
		chatRepo:    chatRepo,
		pusher:      pusher,
	}
}

// SendMessage 发送消息
// 按关联标识幂等：同一标识重复提交返回已存在的消息，不产生新记录
// 对端在线时立即推送并推进状态到 delivered
func (s *MessageService) SendMessage(senderID, chatID uint64, correlationToken, content string) (*model.Message, error) {
	if correlationToken == "" {
		return nil, errors.New("correlation token is required")
	}
	if content == "" {
		return nil, errors.New("content is required")
	}

	// 校验会话与成员资格
	chat, err := s.chatRepo.GetByID(chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(senderID) {
		return nil, errors.New("not a member of this chat")
	}

	// 幂等检查：同一关联标识的消息已存在则直接返回
	if existing, err := s.messageRepo.GetByCorrelation(correlationToken); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	// 创建消息
	message := &model.Message{
		ChatID:           chatID,
		SenderID:         senderID,
		CorrelationToken: correlationToken,
		Content:          content,
		MsgType:          "text",
		Status:           "sent",
		IsRead:           false,
	}
	if err := s.messageRepo.Create(message); err != nil {
		return nil, err
	}

	peerID := chat.PeerOf(senderID)

	// 增加对端未读计数
	_ = redis.IncrementUnreadCount(peerID, chatID)

	// 推送给对端；在线送达则推进状态并通知发送方
	delivered := s.pushChatFrame(peerID, message)
	if delivered {
		message.Status = "delivered"
		if err := s.messageRepo.UpdateStatus(message.ID, "delivered"); err != nil {
			logger.Warn("更新消息状态失败", zap.Uint64("msgID", message.ID), zap.Error(err))
		}
		s.pushStatusFrame(senderID, chatID, message.ID, "delivered")
	}

	return message, nil
}

// GetChatMessages 获取会话消息历史，按时间升序返回一页
func (s *MessageService) GetChatMessages(userID, chatID uint64, offset, limit int) ([]*model.Message, error) {
	chat, err := s.chatRepo.GetByID(chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(userID) {
		return nil, errors.New("not a member of this chat")
	}

	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	// 仓储按时间倒序分页（offset=0为最新一页），返回前翻转为升序
	messages, err := s.messageRepo.GetChatMessages(chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRead 标记一批消息为已读，并将已读状态推送给消息的发送方
func (s *MessageService) MarkRead(readerID, chatID uint64, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	chat, err := s.chatRepo.GetByID(chatID)
	if err != nil {
		return err
	}
	if !chat.HasMember(readerID) {
		return errors.New("not a member of this chat")
	}

	updated, err := s.messageRepo.MarkRead(chatID, readerID, ids)
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		return nil
	}

	// 扣减已读的未读计数
	_ = redis.DecrementUnreadCount(readerID, chatID, int64(len(updated)))

	// 逐条向发送方推送已读状态
	for _, m := range updated {
		s.pushStatusFrame(m.SenderID, chatID, m.ID, "read")
	}
	return nil
}

// RelayTyping 转发正在输入状态给对端
func (s *MessageService) RelayTyping(userID, chatID uint64, typing bool) {
	chat, err := s.chatRepo.GetByID(chatID)
	if err != nil || !chat.HasMember(userID) {
		return
	}
	_ = s.pusher.SendFrameToUser(chat.PeerOf(userID), realtime.Frame{
		Type:   realtime.FrameTyping,
		ChatID: chatID,
		UserID: userID,
		Typing: typing,
	})
}

// pushChatFrame 将消息作为chat帧推送给用户
func (s *MessageService) pushChatFrame(userID uint64, m *model.Message) bool {
	return s.pusher.SendFrameToUser(userID, realtime.Frame{
		Type:             realtime.FrameChat,
		ChatID:           m.ChatID,
		MsgID:            m.ID,
		CorrelationToken: m.CorrelationToken,
		SenderID:         m.SenderID,
		Content:          m.Content,
		Status:           m.Status,
		SentAt:           m.CreatedAt.UnixMilli(),
	})
}

// pushStatusFrame 推送投递状态帧
func (s *MessageService) pushStatusFrame(userID, chatID, msgID uint64, status string) {
	_ = s.pusher.SendFrameToUser(userID, realtime.Frame{
		Type:   realtime.FrameStatus,
		ChatID: chatID,
		MsgID:  msgID,
		Status: status,
	})
}
