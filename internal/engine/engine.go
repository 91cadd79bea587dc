package engine

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"im-client/config"
	"im-client/internal/dispatch"
	"im-client/internal/model"
	"im-client/internal/realtime"
	"im-client/pkg/logger"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ChatAPI 引擎依赖的请求/响应通道
type ChatAPI interface {
	SendMessage(ctx context.Context, chatID uint64, correlationToken, content string) (*model.Message, error)
	GetMessages(ctx context.Context, chatID uint64, offset, limit int) ([]*model.Message, error)
	MarkRead(ctx context.Context, chatID uint64, ids []uint64) error
}

// IdentityProvider 当前用户身份，未登录时返回0
type IdentityProvider interface {
	CurrentUserID() uint64
}

// Listener 渲染层的变更通知接口
// 引擎内部状态只经此接口单向流出，渲染层不直接改写存储
type Listener interface {
	OnMessagesChanged(chatID uint64, msgs []*model.Message)
	OnSummaryChanged(sum model.ChatSummary)
	OnTransientError(chatID uint64, reason string)
	OnTyping(chatID, userID uint64, typing bool)
	OnConnectionStateChanged(connected bool)
}

// Engine 消息同步引擎：多会话协调器
// 共享一条实时通道（经 Registry 订阅），每个会话独占自己的消息存储
type Engine struct {
	cfg      config.ClientConfig
	reg      *realtime.Registry
	api      ChatAPI
	identity IdentityProvider

	dispatcher *dispatch.Dispatcher

	mu       sync.Mutex
	sessions map[uint64]*Session
}

// New 创建引擎
func New(cfg config.ClientConfig, reg *realtime.Registry, api ChatAPI, identity IdentityProvider) *Engine {
	e := &Engine{
		cfg:      cfg,
		reg:      reg,
		api:      api,
		identity: identity,
		sessions: make(map[uint64]*Session),
	}
	e.dispatcher = dispatch.New(reg.Channel(), api, cfg.AckTimeout, e.routeOutcome)
	return e
}

// Open 打开一个会话
// 会话标识必须是合法的数字ID：解析失败直接返回错误，不创建任何会话状态
// 同一会话已打开时返回已有实例
func (e *Engine) Open(chatRef string, listener Listener) (*Session, error) {
	chatID, err := strconv.ParseUint(strings.TrimSpace(chatRef), 10, 64)
	if err != nil || chatID == 0 {
		return nil, errors.Errorf("invalid chat reference: %q", chatRef)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[chatID]; ok {
		return s, nil
	}

	s := newSession(e, chatID, listener)
	s.sub = e.reg.Subscribe(chatID, s)
	e.sessions[chatID] = s
	logger.Info("会话已打开", zap.Uint64("chatID", chatID))
	return s, nil
}

// Close 关闭引擎及其全部会话
func (e *Engine) Close() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	e.reg.Close()
}

// routeOutcome 将投递结果路由到所属会话
func (e *Engine) routeOutcome(o dispatch.Outcome) {
	e.mu.Lock()
	s, ok := e.sessions[o.ChatID]
	e.mu.Unlock()
	if !ok {
		logger.Debug("会话已关闭，丢弃投递结果", zap.Uint64("chatID", o.ChatID))
		return
	}
	s.handleOutcome(o)
}

// detach 会话关闭时从引擎摘除
func (e *Engine) detach(chatID uint64) {
	e.mu.Lock()
	delete(e.sessions, chatID)
	e.mu.Unlock()
}
