package response

import (
	"net/http"

	"im-client/internal/server/model"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`           // 状态码：0表示成功，其他表示错误
	Message string      `json:"message"`        // 响应消息
	Data    interface{} `json:"data,omitempty"` // 响应数据
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 400错误
func BadRequest(c *gin.Context, message string) {
	Error(c, 400, message)
}

// Unauthorized 401错误
func Unauthorized(c *gin.Context, message string) {
	Error(c, 401, message)
}

// Forbidden 403错误
func Forbidden(c *gin.Context, message string) {
	Error(c, 403, message)
}

// NotFound 404错误
func NotFound(c *gin.Context, message string) {
	Error(c, 404, message)
}

// InternalError 500错误
func InternalError(c *gin.Context, message string) {
	Error(c, 500, message)
}

// AuthResponse 登录/注册响应
type AuthResponse struct {
	UserID      uint64 `json:"user_id"`
	Username    string `json:"username"`
	AccessToken string `json:"access_token"`
}

// MessageInfo 消息的线上表示
// sent_at 为Unix毫秒，与实时帧保持一致
type MessageInfo struct {
	ID               uint64 `json:"id"`
	ChatID           uint64 `json:"chat_id"`
	SenderID         uint64 `json:"sender_id"`
	CorrelationToken string `json:"correlation_token,omitempty"`
	Content          string `json:"content"`
	MsgType          string `json:"msg_type"`
	Status           string `json:"status"`
	IsRead           bool   `json:"is_read"`
	SentAt           int64  `json:"sent_at"`
}

// FilterMessageInfo 转换消息模型
func FilterMessageInfo(message *model.Message) *MessageInfo {
	if message == nil {
		return nil
	}

	return &MessageInfo{
		ID:               message.ID,
		ChatID:           message.ChatID,
		SenderID:         message.SenderID,
		CorrelationToken: message.CorrelationToken,
		Content:          message.Content,
		MsgType:          message.MsgType,
		Status:           message.Status,
		IsRead:           message.IsRead,
		SentAt:           message.CreatedAt.UnixMilli(),
	}
}

// FilterMessageList 转换消息切片
func FilterMessageList(messages []*model.Message) []*MessageInfo {
	out := make([]*MessageInfo, len(messages))
	for i, m := range messages {
		out[i] = FilterMessageInfo(m)
	}
	return out
}

// ChatInfo 会话信息
type ChatInfo struct {
	ID     uint64 `json:"id"`
	PeerID uint64 `json:"peer_id"`
}
