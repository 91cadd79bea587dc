package engine

import (
	"context"
	"sync"
	"time"

	"im-client/internal/dispatch"
	"im-client/internal/model"
	"im-client/internal/realtime"
	"im-client/internal/store"
	"im-client/pkg/logger"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Session 单个会话的消息同步状态机
// 全部存储写入经 mu 串行化；初始化与向前翻页各自单飞，
// 并发调用方等待在途操作完成而不是重复发起
type Session struct {
	chatID   uint64
	e        *Engine
	listener Listener
	sub      *realtime.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	st          *store.ChatStore
	canLoadMore bool
	epoch       int // 会话重置计数，用于丢弃过期的在途翻页结果

	initStarted bool
	initCh      chan struct{}
	initErr     error

	loadCh  chan struct{}
	loadErr error

	evict map[string]*time.Timer

	closeOnce sync.Once
}

func newSession(e *Engine, chatID uint64, listener Listener) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		chatID:      chatID,
		e:           e,
		listener:    listener,
		ctx:         ctx,
		cancel:      cancel,
		st:          store.NewChatStore(chatID, e.identity.CurrentUserID(), e.cfg.MatchTolerance),
		canLoadMore: true,
		evict:       make(map[string]*time.Timer),
	}
}

// ChatID 会话标识
func (s *Session) ChatID() uint64 { return s.chatID }

// Initialize 拉取首页历史消息
// 单飞：同一会话同时只有一次初始化在途，后续调用等待其结果
func (s *Session) Initialize() error {
	s.mu.Lock()
	if s.initStarted {
		ch := s.initCh
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.initErr
	}
	s.initStarted = true
	s.initCh = make(chan struct{})
	epoch := s.epoch
	s.mu.Unlock()

	msgs, err := s.e.api.GetMessages(s.ctx, s.chatID, 0, s.e.cfg.PageSize)

	s.mu.Lock()
	if err != nil {
		s.initErr = errors.WithMessage(err, "initialize chat")
		s.initStarted = false // 允许重试
	} else {
		s.initErr = nil
		if epoch == s.epoch {
			s.st.Prepend(msgs)
			s.canLoadMore = len(msgs) == s.e.cfg.PageSize
		}
	}
	close(s.initCh)
	initErr := s.initErr
	snapMsgs, snapSum := s.snapshotLocked()
	s.mu.Unlock()

	if initErr != nil {
		return initErr
	}
	s.notify(snapMsgs, snapSum)
	return nil
}

// Send 发送消息：乐观入库立即可见，投递异步进行
func (s *Session) Send(content string) (*model.Message, error) {
	if content == "" {
		return nil, errors.New("empty content")
	}
	uid := s.e.identity.CurrentUserID()
	if uid == 0 {
		return nil, errors.New("not authenticated")
	}

	// 先入库后投递，投递结果到达时记录一定已存在
	opt := s.e.dispatcher.Prepare(s.chatID, uid, content)

	s.mu.Lock()
	m, _ := s.st.Upsert(opt)
	snapMsgs, snapSum := s.snapshotLocked()
	s.mu.Unlock()

	s.e.dispatcher.Dispatch(s.ctx, opt)
	s.notify(snapMsgs, snapSum)
	return m.Clone(), nil
}

// LoadOlder 向前翻页
// 单飞：在途翻页存在时等待其完成；会话已无更多历史时直接返回
func (s *Session) LoadOlder() error {
	s.mu.Lock()
	if s.loadCh != nil {
		ch := s.loadCh
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loadErr
	}
	if !s.canLoadMore {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.loadCh = ch
	epoch := s.epoch
	offset := s.st.ServerCount()
	s.mu.Unlock()

	msgs, err := s.e.api.GetMessages(s.ctx, s.chatID, offset, s.e.cfg.PageSize)

	s.mu.Lock()
	s.loadCh = nil
	if err != nil {
		s.loadErr = errors.WithMessage(err, "load older messages")
	} else if epoch != s.epoch {
		// 会话已重置，丢弃过期页
		s.loadErr = nil
		logger.Debug("丢弃过期的历史页", zap.Uint64("chatID", s.chatID))
	} else {
		s.loadErr = nil
		s.st.Prepend(msgs)
		s.canLoadMore = len(msgs) == s.e.cfg.PageSize
	}
	loadErr := s.loadErr
	snapMsgs, snapSum := s.snapshotLocked()
	close(ch)
	s.mu.Unlock()

	if loadErr != nil {
		s.transient("加载历史消息失败")
		return loadErr
	}
	s.notify(snapMsgs, snapSum)
	return nil
}

// CanLoadMore 是否还有更早的历史
func (s *Session) CanLoadMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canLoadMore
}

// MarkVisibleAsRead 将可见消息标记为已读
// 本地先行生效；服务端上报逐条异步进行，失败只记日志不回滚
func (s *Session) MarkVisibleAsRead(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	if s.e.identity.CurrentUserID() == 0 {
		return errors.New("not authenticated")
	}

	s.mu.Lock()
	changed := false
	for _, id := range ids {
		if _, c := s.st.ApplyStatusByServerID(id, model.StatusRead); c {
			changed = true
		}
	}
	snapMsgs, snapSum := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.notify(snapMsgs, snapSum)
	}
	for _, id := range ids {
		go s.notifyRead(id)
	}
	return nil
}

// SendTyping 上报正在输入状态（仅实时通道，尽力而为）
func (s *Session) SendTyping(typing bool) {
	ch := s.e.reg.Channel()
	if ch.IsConnected() {
		_ = ch.SendFrame(realtime.Frame{
			Type:   realtime.FrameTyping,
			ChatID: s.chatID,
			Typing: typing,
		})
	}
}

// Messages 当前消息列表快照，按时间升序
func (s *Session) Messages() []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Messages()
}

// Summary 会话摘要快照
func (s *Session) Summary() model.ChatSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Summary()
}

// Close 关闭会话：取消在途操作、退订实时事件、停止清理定时器
// 幂等，可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.sub != nil {
			s.sub.Cancel()
		}
		s.mu.Lock()
		s.epoch++
		for token, t := range s.evict {
			t.Stop()
			delete(s.evict, token)
		}
		s.mu.Unlock()
		s.e.detach(s.chatID)
		logger.Info("会话已关闭", zap.Uint64("chatID", s.chatID))
	})
}

// handleOutcome 投递结果：成功合并服务端消息，失败置失败态并安排清理
func (s *Session) handleOutcome(o dispatch.Outcome) {
	if o.Err != nil {
		s.mu.Lock()
		_, changed := s.st.FailByToken(o.CorrelationToken)
		if changed {
			s.scheduleEvictionLocked(o.CorrelationToken)
		}
		snapMsgs, snapSum := s.snapshotLocked()
		s.mu.Unlock()

		if changed {
			s.notify(snapMsgs, snapSum)
			s.transient("消息发送失败")
		}
		return
	}

	s.mu.Lock()
	_, changed := s.st.Upsert(o.ServerMessage)
	snapMsgs, snapSum := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.notify(snapMsgs, snapSum)
	}
}

// OnMessageReceived 实时推送的消息入库；对端消息触发异步已读回执
func (s *Session) OnMessageReceived(msg *model.Message) {
	s.mu.Lock()
	m, changed := s.st.Upsert(msg)
	autoRead := changed && m != nil && !m.IsOwn && m.HasServerID() && !m.IsRead
	serverID := uint64(0)
	if m != nil {
		serverID = m.ServerID
	}
	snapMsgs, snapSum := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.notify(snapMsgs, snapSum)
	}
	if autoRead && s.e.identity.CurrentUserID() != 0 {
		// 不阻塞消息展示
		go func() { _ = s.MarkVisibleAsRead([]uint64{serverID}) }()
	}
}

// OnStatusUpdated 投递状态推送，按状态格单调合并
func (s *Session) OnStatusUpdated(chatID, serverID uint64, st model.DeliveryStatus) {
	if chatID != s.chatID {
		return
	}
	s.mu.Lock()
	_, changed := s.st.ApplyStatusByServerID(serverID, st)
	snapMsgs, snapSum := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.notify(snapMsgs, snapSum)
	}
}

// OnCorrelationConfirmed 关联确认：补服务端ID，状态至少推进到已发送
func (s *Session) OnCorrelationConfirmed(token string, serverID uint64, sentAt time.Time) {
	s.mu.Lock()
	m, changed := s.st.AttachServerID(token, serverID, sentAt)
	snapMsgs, snapSum := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.notify(snapMsgs, snapSum)
	}

	// 唤醒等待此确认的投递协程
	var sm *model.Message
	if m != nil {
		sm = m.Clone()
	} else {
		sm = &model.Message{
			CorrelationToken: token,
			ServerID:         serverID,
			ChatID:           s.chatID,
			Status:           model.StatusSent,
			SentAt:           sentAt,
		}
	}
	s.e.dispatcher.Confirm(token, sm)
}

// OnConnectionStateChanged 实时通道状态变化
func (s *Session) OnConnectionStateChanged(connected bool) {
	if s.listener != nil {
		s.listener.OnConnectionStateChanged(connected)
	}
}

// OnUserTyping 对端正在输入
func (s *Session) OnUserTyping(chatID, userID uint64, typing bool) {
	if chatID != s.chatID || s.listener == nil {
		return
	}
	s.listener.OnTyping(chatID, userID, typing)
}

// notifyRead 上报单条已读回执：实时通道优先，HTTP兜底
// 失败只记日志，本地已读状态不回滚（最终一致）
func (s *Session) notifyRead(serverID uint64) {
	ch := s.e.reg.Channel()
	if ch.IsConnected() {
		if ch.SendFrame(realtime.Frame{
			Type:   realtime.FrameAckRead,
			ChatID: s.chatID,
			MsgIDs: []uint64{serverID},
		}) {
			return
		}
	}
	if err := s.e.api.MarkRead(s.ctx, s.chatID, []uint64{serverID}); err != nil {
		logger.Warn("已读回执上报失败",
			zap.Uint64("chatID", s.chatID),
			zap.Uint64("serverID", serverID),
			zap.Error(err),
		)
	}
}

// scheduleEvictionLocked 失败消息到期清理
// 定时器触发时如记录已被移除或状态已变化则不再清理
func (s *Session) scheduleEvictionLocked(token string) {
	if _, exists := s.evict[token]; exists {
		return
	}
	s.evict[token] = time.AfterFunc(s.e.cfg.EvictionGrace, func() {
		s.mu.Lock()
		delete(s.evict, token)
		m := s.st.Resolver().ByToken(token)
		if m == nil || m.Status != model.StatusFailed {
			s.mu.Unlock()
			return
		}
		s.st.RemoveByCorrelation(token)
		snapMsgs, snapSum := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snapMsgs, snapSum)
	})
}

func (s *Session) snapshotLocked() ([]*model.Message, model.ChatSummary) {
	return s.st.Messages(), s.st.Summary()
}

func (s *Session) notify(msgs []*model.Message, sum model.ChatSummary) {
	if s.listener == nil {
		return
	}
	s.listener.OnMessagesChanged(s.chatID, msgs)
	s.listener.OnSummaryChanged(sum)
}

func (s *Session) transient(reason string) {
	if s.listener != nil {
		s.listener.OnTransientError(s.chatID, reason)
	}
}
