package handler

import (
	"strconv"

	"im-client/internal/server/service"
	"im-client/pkg/jwt"
	"im-client/pkg/response"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	messageSvc *service.MessageService
	chatSvc    *service.ChatService
}

func NewMessageHandler(messageSvc *service.MessageService, chatSvc *service.ChatService) *MessageHandler {
	return &MessageHandler{
		messageSvc: messageSvc,
		chatSvc:    chatSvc,
	}
}

// chatIDParam 从路径参数解析会话ID
func chatIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("chat_id"), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "无效的会话ID")
		return 0, false
	}
	return id, true
}

// SendMessage 发送消息（HTTP回退通道）
// 携带关联标识，实时通道已提交过的消息在此幂等返回
func (h *MessageHandler) SendMessage(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	type req struct {
		CorrelationToken string `json:"correlation_token" binding:"required"`
		Content          string `json:"content" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	userID := jwt.GetUserID(c)
	message, err := h.messageSvc.SendMessage(userID, chatID, r.CorrelationToken, r.Content)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	response.SuccessWithMessage(c, "发送成功", response.FilterMessageInfo(message))
}

// GetMessages 获取会话消息历史
// offset 以条数计，limit 为页大小，返回按时间升序
func (h *MessageHandler) GetMessages(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	userID := jwt.GetUserID(c)
	messages, err := h.messageSvc.GetChatMessages(userID, chatID, offset, limit)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	response.Success(c, response.FilterMessageList(messages))
}

// MarkRead 标记一批消息已读
func (h *MessageHandler) MarkRead(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	type req struct {
		MsgIDs []uint64 `json:"msg_ids" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	userID := jwt.GetUserID(c)
	if err := h.messageSvc.MarkRead(userID, chatID, r.MsgIDs); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	response.SuccessWithMessage(c, "已读标记成功", nil)
}

// OpenChat 获取或创建与指定用户的会话
func (h *MessageHandler) OpenChat(c *gin.Context) {
	type req struct {
		PeerID uint64 `json:"peer_id" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	userID := jwt.GetUserID(c)
	chat, err := h.chatSvc.OpenChat(userID, r.PeerID)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	response.Success(c, &response.ChatInfo{
		ID:     chat.ID,
		PeerID: chat.PeerOf(userID),
	})
}

// ListChats 获取会话列表
func (h *MessageHandler) ListChats(c *gin.Context) {
	userID := jwt.GetUserID(c)
	overviews, err := h.chatSvc.ListChats(userID)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}

	type chatItem struct {
		ID          uint64                `json:"id"`
		PeerID      uint64                `json:"peer_id"`
		LastMessage *response.MessageInfo `json:"last_message,omitempty"`
		UnreadCount int64                 `json:"unread_count"`
	}
	items := make([]*chatItem, 0, len(overviews))
	for _, ov := range overviews {
		items = append(items, &chatItem{
			ID:          ov.Chat.ID,
			PeerID:      ov.PeerID,
			LastMessage: response.FilterMessageInfo(ov.LastMessage),
			UnreadCount: ov.UnreadCount,
		})
	}
	response.Success(c, items)
}
