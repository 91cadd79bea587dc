package realtime

import (
	"sync"
	"time"

	"im-client/internal/model"
	"im-client/pkg/logger"

	"go.uber.org/zap"
)

// Handler 会话订阅的事件回调
// 回调在 Registry 的分发协程内按到达顺序依次执行，不可长时间阻塞
type Handler interface {
	OnMessageReceived(msg *model.Message)
	OnStatusUpdated(chatID, serverID uint64, st model.DeliveryStatus)
	OnCorrelationConfirmed(token string, serverID uint64, sentAt time.Time)
	OnConnectionStateChanged(connected bool)
	OnUserTyping(chatID, userID uint64, typing bool)
}

// Registry 实时事件订阅注册表
// 一条共享通道对多个会话的显式扇出：每个会话按 chatID 订阅，
// 退订幂等，避免全局回调列表带来的泄漏
type Registry struct {
	ch Channel

	mu   sync.RWMutex
	subs map[uint64]map[*Subscription]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// Subscription 一次订阅，Cancel 幂等
type Subscription struct {
	r       *Registry
	chatID  uint64
	handler Handler
	once    sync.Once
}

// Cancel 退订，重复调用无副作用
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.r.mu.Lock()
		defer s.r.mu.Unlock()
		if set, ok := s.r.subs[s.chatID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.r.subs, s.chatID)
			}
		}
	})
}

// NewRegistry 创建注册表并启动分发协程
func NewRegistry(ch Channel) *Registry {
	r := &Registry{
		ch:   ch,
		subs: make(map[uint64]map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
	go r.dispatchLoop()
	return r
}

// Channel 底层通道
func (r *Registry) Channel() Channel { return r.ch }

// Subscribe 订阅某个会话的事件
func (r *Registry) Subscribe(chatID uint64, h Handler) *Subscription {
	sub := &Subscription{r: r, chatID: chatID, handler: h}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[chatID] == nil {
		r.subs[chatID] = make(map[*Subscription]struct{})
	}
	r.subs[chatID][sub] = struct{}{}
	return sub
}

// Close 停止分发
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// dispatchLoop 单协程消费入站帧，保证同一会话内事件按到达顺序应用
func (r *Registry) dispatchLoop() {
	for {
		select {
		case <-r.done:
			return
		case connected, ok := <-r.ch.StateChanges():
			if !ok {
				return
			}
			for _, h := range r.allHandlers() {
				h.OnConnectionStateChanged(connected)
			}
		case f, ok := <-r.ch.Frames():
			if !ok {
				return
			}
			r.dispatch(f)
		}
	}
}

func (r *Registry) dispatch(f Frame) {
	handlers := r.handlersFor(f.ChatID)
	if len(handlers) == 0 {
		return
	}

	switch f.Type {
	case FrameChat:
		msg := f.Message()
		for _, h := range handlers {
			h.OnMessageReceived(msg.Clone())
		}
	case FrameStatus:
		st := model.ParseStatus(f.Status)
		for _, h := range handlers {
			h.OnStatusUpdated(f.ChatID, f.MsgID, st)
		}
	case FrameCorrelation:
		sentAt := time.Time{}
		if f.SentAt > 0 {
			sentAt = time.UnixMilli(f.SentAt)
		}
		for _, h := range handlers {
			h.OnCorrelationConfirmed(f.CorrelationToken, f.MsgID, sentAt)
		}
	case FrameTyping:
		for _, h := range handlers {
			h.OnUserTyping(f.ChatID, f.UserID, f.Typing)
		}
	default:
		logger.Debug("忽略未知帧类型", zap.String("type", f.Type))
	}
}

func (r *Registry) handlersFor(chatID uint64) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[chatID]
	out := make([]Handler, 0, len(set))
	for sub := range set {
		out = append(out, sub.handler)
	}
	return out
}

func (r *Registry) allHandlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for _, set := range r.subs {
		for sub := range set {
			out = append(out, sub.handler)
		}
	}
	return out
}
