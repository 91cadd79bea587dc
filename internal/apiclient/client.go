package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"im-client/internal/model"

	"github.com/pkg/errors"
)

// Client 请求/响应通道：实时通道不可用时的发送回退与历史消息拉取
type Client struct {
	baseURL string
	http    *http.Client
	tokenFn func() string // 访问令牌提供者，未登录时返回空串
}

// New 创建API客户端
func New(baseURL string, timeout time.Duration, tokenFn func() string) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if tokenFn == nil {
		tokenFn = func() string { return "" }
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		tokenFn: tokenFn,
	}
}

// envelope 服务端统一响应结构
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// wireMessage 消息的线上表示
type wireMessage struct {
	ID               uint64 `json:"id"`
	ChatID           uint64 `json:"chat_id"`
	SenderID         uint64 `json:"sender_id"`
	CorrelationToken string `json:"correlation_token,omitempty"`
	Content          string `json:"content"`
	Status           string `json:"status"`
	IsRead           bool   `json:"is_read"`
	SentAt           int64  `json:"sent_at"` // Unix毫秒
}

func (w *wireMessage) toModel() *model.Message {
	return &model.Message{
		CorrelationToken: w.CorrelationToken,
		ServerID:         w.ID,
		ChatID:           w.ChatID,
		SenderID:         w.SenderID,
		Content:          w.Content,
		Status:           model.ParseStatus(w.Status),
		IsRead:           w.IsRead,
		SentAt:           time.UnixMilli(w.SentAt),
	}
}

// authPayload 登录/注册响应
type authPayload struct {
	UserID      uint64 `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// Login 登录，返回访问令牌与用户ID
func (c *Client) Login(ctx context.Context, identifier, password string) (string, uint64, error) {
	var out authPayload
	err := c.do(ctx, http.MethodPost, "/api/v1/users/login", map[string]interface{}{
		"usernameOrEmail": identifier,
		"password":        password,
	}, &out)
	if err != nil {
		return "", 0, errors.WithMessage(err, "login")
	}
	return out.AccessToken, out.UserID, nil
}

// Register 注册并登录
func (c *Client) Register(ctx context.Context, username, email, password string) (string, uint64, error) {
	var out authPayload
	err := c.do(ctx, http.MethodPost, "/api/v1/users/register", map[string]interface{}{
		"username": username,
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return "", 0, errors.WithMessage(err, "register")
	}
	return out.AccessToken, out.UserID, nil
}

// OpenChat 获取或创建与指定用户的会话，返回会话ID
func (c *Client) OpenChat(ctx context.Context, peerID uint64) (uint64, error) {
	var out struct {
		ID uint64 `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/chats", map[string]interface{}{
		"peer_id": peerID,
	}, &out)
	if err != nil {
		return 0, errors.WithMessage(err, "open chat")
	}
	return out.ID, nil
}

// SendMessage 经HTTP通道发送消息
// 携带关联标识，服务端按标识幂等：重复提交返回已存在的消息
func (c *Client) SendMessage(ctx context.Context, chatID uint64, correlationToken, content string) (*model.Message, error) {
	var out wireMessage
	path := fmt.Sprintf("/api/v1/chats/%d/messages", chatID)
	err := c.do(ctx, http.MethodPost, path, map[string]interface{}{
		"correlation_token": correlationToken,
		"content":           content,
	}, &out)
	if err != nil {
		return nil, errors.WithMessage(err, "send message")
	}
	return out.toModel(), nil
}

// GetMessages 拉取一页历史消息，返回按时间升序的切片
func (c *Client) GetMessages(ctx context.Context, chatID uint64, offset, limit int) ([]*model.Message, error) {
	var out []wireMessage
	path := fmt.Sprintf("/api/v1/chats/%d/messages?offset=%d&limit=%d", chatID, offset, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, errors.WithMessage(err, "get messages")
	}
	msgs := make([]*model.Message, len(out))
	for i := range out {
		msgs[i] = out[i].toModel()
	}
	return msgs, nil
}

// MarkRead 标记一批消息为已读
func (c *Client) MarkRead(ctx context.Context, chatID uint64, ids []uint64) error {
	path := fmt.Sprintf("/api/v1/chats/%d/read", chatID)
	err := c.do(ctx, http.MethodPut, path, map[string]interface{}{
		"msg_ids": ids,
	}, nil)
	return errors.WithMessage(err, "mark read")
}

// do 执行一次请求并解包统一响应
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.tokenFn(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "http request")
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Wrapf(err, "decode response (http %d)", resp.StatusCode)
	}
	if env.Code != 0 {
		return errors.Errorf("server error %d: %s", env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrap(err, "decode payload")
		}
	}
	return nil
}
