package service

import (
	"errors"

	"im-client/internal/server/model"
	"im-client/internal/server/repository"
	"im-client/pkg/redis"
)

// ChatService 会话服务
type ChatService struct {
	chatRepo    *repository.ChatRepository
	userRepo    *repository.UserRepository
	messageRepo *repository.MessageRepository
}

// NewChatService 创建ChatService实例
func NewChatService(chatRepo *repository.ChatRepository, userRepo *repository.UserRepository, messageRepo *repository.MessageRepository) *ChatService {
	return &ChatService{
		chatRepo:    chatRepo,
		userRepo:    userRepo,
		messageRepo: messageRepo,
	}
}

// OpenChat 获取或创建与指定用户的会话
func (s *ChatService) OpenChat(userID, peerID uint64) (*model.Chat, error) {
	if userID == peerID {
		return nil, errors.New("cannot open a chat with yourself")
	}

	// 确认对端用户存在
	if _, err := s.userRepo.GetByID(peerID); err != nil {
		return nil, errors.New("user not found")
	}

	return s.chatRepo.GetOrCreate(userID, peerID)
}

// ChatOverview 会话列表项
type ChatOverview struct {
	Chat        *model.Chat
	PeerID      uint64
	LastMessage *model.Message
	UnreadCount int64
}

// ListChats 获取用户的会话列表，附带最近一条消息和未读计数
func (s *ChatService) ListChats(userID uint64) ([]*ChatOverview, error) {
	chats, err := s.chatRepo.ListByUser(userID)
	if err != nil {
		return nil, err
	}

	overviews := make([]*ChatOverview, 0, len(chats))
	for _, chat := range chats {
		ov := &ChatOverview{
			Chat:   chat,
			PeerID: chat.PeerOf(userID),
		}

		// 最近一条消息
		if latest, err := s.messageRepo.GetChatMessages(chat.ID, 1, 0); err == nil && len(latest) > 0 {
			ov.LastMessage = latest[0]
		}

		// 未读计数缺失时按0处理
		ov.UnreadCount, _ = redis.GetUnreadCount(userID, chat.ID)

		overviews = append(overviews, ov)
	}
	return overviews, nil
}
