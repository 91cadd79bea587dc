package store

import (
	"sort"
	"time"

	"im-client/internal/model"
	"im-client/pkg/logger"

	"go.uber.org/zap"
)

// ChatStore 单个会话的去重消息存储
// 消息按 SentAt 升序排列（相同时间按插入顺序），
// 以关联标识和服务端ID双索引保证同一逻辑消息只存在一条记录
//
// 非并发安全：同一会话的全部写入必须由 Session 串行化
type ChatStore struct {
	chatID        uint64
	currentUserID uint64
	tolerance     time.Duration // 启发式匹配允许的时间偏差

	msgs     []*model.Message
	byToken  map[string]*model.Message
	byServer map[uint64]*model.Message
	summary  model.ChatSummary
}

// NewChatStore 创建会话消息存储
func NewChatStore(chatID, currentUserID uint64, tolerance time.Duration) *ChatStore {
	return &ChatStore{
		chatID:        chatID,
		currentUserID: currentUserID,
		tolerance:     tolerance,
		byToken:       make(map[string]*model.Message),
		byServer:      make(map[uint64]*model.Message),
		summary:       model.ChatSummary{ChatID: chatID},
	}
}

// Resolver 返回身份解析器
func (s *ChatStore) Resolver() Resolver {
	return Resolver{s: s}
}

// Upsert 幂等写入：已存在则按合并规则更新，否则按序插入
// 返回生效的记录以及本次调用是否改变了存储内容
func (s *ChatStore) Upsert(in *model.Message) (*model.Message, bool) {
	if in == nil || (in.ChatID != 0 && in.ChatID != s.chatID) {
		return nil, false
	}

	if existing := s.Resolver().Match(in); existing != nil {
		merged, changed := s.merge(existing, in)
		if changed {
			s.refreshSummary()
		}
		return merged, changed
	}

	// 新记录：拷贝后入库，派生字段按当前用户重新计算
	m := in.Clone()
	m.ChatID = s.chatID
	m.IsOwn = m.SenderID == s.currentUserID
	if m.Status == model.StatusRead && !m.IsRead {
		m.IsRead = true
		if m.ReadAt.IsZero() {
			m.ReadAt = time.Now()
		}
	}
	s.insertSorted(m)
	s.index(m)
	s.refreshSummary()
	return m, true
}

// Prepend 合并一页历史消息（向前翻页）
// 逐条走 Upsert 合并规则，已存在的消息不会被重排或重复
func (s *ChatStore) Prepend(older []*model.Message) bool {
	changed := false
	for _, m := range older {
		if _, c := s.Upsert(m); c {
			changed = true
		}
	}
	return changed
}

// RemoveByCorrelation 按关联标识移除记录
// 仅用于清理超过驻留时间的发送失败消息
func (s *ChatStore) RemoveByCorrelation(token string) bool {
	m, ok := s.byToken[token]
	if !ok {
		return false
	}
	s.unindex(m)
	s.removeFromSlice(m)
	s.refreshSummary()
	return true
}

// AttachServerID 关联确认：为乐观消息补上服务端ID，状态至少推进到已发送
func (s *ChatStore) AttachServerID(token string, serverID uint64, sentAt time.Time) (*model.Message, bool) {
	m, ok := s.byToken[token]
	if !ok || serverID == 0 {
		return nil, false
	}

	if m.ServerID != 0 {
		if m.ServerID != serverID {
			logger.Warn("关联确认与已有服务端ID冲突",
				zap.String("token", token),
				zap.Uint64("existing", m.ServerID),
				zap.Uint64("incoming", serverID),
			)
			return m, false
		}
		// 重复确认：只需保证状态不低于已发送
		if s.applyStatus(m, model.StatusSent, time.Time{}) {
			s.refreshSummary()
			return m, true
		}
		return m, false
	}

	// 同一服务端ID可能已通过其他路径入库（例如HTTP拉取），合并为一条
	if other, exists := s.byServer[serverID]; exists && other != m {
		keeper := s.coalesce(other, m)
		s.refreshSummary()
		return keeper, true
	}

	m.ServerID = serverID
	s.byServer[serverID] = m
	s.applyStatus(m, model.StatusSent, time.Time{})
	s.adoptSentAt(m, sentAt)
	s.refreshSummary()
	return m, true
}

// FailByToken 将指定关联标识的消息置为失败态
// 仅对尚未送达（Sending/Sent）的消息生效
func (s *ChatStore) FailByToken(token string) (*model.Message, bool) {
	m, ok := s.byToken[token]
	if !ok {
		return nil, false
	}
	if s.applyStatus(m, model.StatusFailed, time.Time{}) {
		s.refreshSummary()
		return m, true
	}
	return m, false
}

// ApplyStatusByServerID 按服务端ID应用状态事件
func (s *ChatStore) ApplyStatusByServerID(serverID uint64, st model.DeliveryStatus) (*model.Message, bool) {
	m, ok := s.byServer[serverID]
	if !ok {
		return nil, false
	}
	if s.applyStatus(m, st, time.Time{}) {
		s.refreshSummary()
		return m, true
	}
	return m, false
}

// Messages 只读快照，按时间升序
func (s *ChatStore) Messages() []*model.Message {
	out := make([]*model.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Summary 会话摘要快照
func (s *ChatStore) Summary() model.ChatSummary {
	return s.summary
}

// Len 当前消息数
func (s *ChatStore) Len() int { return len(s.msgs) }

// ServerCount 已获得服务端ID的消息数，作为向前翻页的偏移量
func (s *ChatStore) ServerCount() int {
	n := 0
	for _, m := range s.msgs {
		if m.HasServerID() {
			n++
		}
	}
	return n
}

// merge 将到达的记录合并进已有记录，返回最终生效的记录
func (s *ChatStore) merge(ex, in *model.Message) (*model.Message, bool) {
	changed := false
	wasOptimistic := !ex.HasServerID()

	// 服务端ID只增不改
	if in.ServerID > 0 {
		if ex.ServerID == 0 {
			if other, exists := s.byServer[in.ServerID]; exists && other != ex {
				// 两条记录实为同一逻辑消息，归并后继续在保留者上合并
				// 保留者已持有服务端ID，其内容与时间不再可覆盖
				ex = s.coalesce(other, ex)
				wasOptimistic = false
				changed = true
			} else {
				ex.ServerID = in.ServerID
				s.byServer[in.ServerID] = ex
				changed = true
			}
		} else if ex.ServerID != in.ServerID {
			logger.Warn("消息身份冲突：同一记录匹配到不同服务端ID",
				zap.Uint64("existing", ex.ServerID),
				zap.Uint64("incoming", in.ServerID),
			)
		}
	}

	// 补全关联标识
	if in.CorrelationToken != "" && ex.CorrelationToken == "" {
		ex.CorrelationToken = in.CorrelationToken
		s.byToken[in.CorrelationToken] = ex
		changed = true
	}

	// 内容与时间：仅乐观记录可被服务端权威值覆盖，确认后先到者生效
	if wasOptimistic {
		if in.Content != "" && in.Content != ex.Content && in.HasServerID() {
			ex.Content = in.Content
			changed = true
		}
		if s.adoptSentAt(ex, in.SentAt) {
			changed = true
		}
	} else if in.ServerID == ex.ServerID && in.Content != "" && in.Content != ex.Content {
		// 同一服务端ID声称不同内容：先到者生效，后到的载荷按异常记录
		logger.Warn("消息内容冲突，保留先到内容",
			zap.Uint64("serverID", ex.ServerID),
		)
	}

	// 状态按格合并
	readAt := in.ReadAt
	if s.applyStatus(ex, in.Status, readAt) {
		changed = true
	}
	if in.IsRead && s.applyStatus(ex, model.StatusRead, readAt) {
		changed = true
	}

	return ex, changed
}

// coalesce 归并两条实为同一逻辑消息的记录，保留持有服务端ID的一条
func (s *ChatStore) coalesce(keeper, loser *model.Message) *model.Message {
	if !keeper.HasServerID() && loser.HasServerID() {
		keeper, loser = loser, keeper
	}

	if loser.CorrelationToken != "" && keeper.CorrelationToken == "" {
		keeper.CorrelationToken = loser.CorrelationToken
		s.byToken[keeper.CorrelationToken] = keeper
	}
	s.applyStatus(keeper, loser.Status, loser.ReadAt)
	if loser.IsRead {
		s.applyStatus(keeper, model.StatusRead, loser.ReadAt)
	}

	s.unindex(loser)
	s.removeFromSlice(loser)
	// loser 的索引项可能指向已被保留者占用的键，归并后重建保留者索引
	s.index(keeper)
	return keeper
}

// applyStatus 应用状态格规则，达到已读时一次性落已读标记
func (s *ChatStore) applyStatus(m *model.Message, st model.DeliveryStatus, readAt time.Time) bool {
	next := model.ApplyStatus(m.Status, st)
	changed := false
	if next != m.Status {
		m.Status = next
		changed = true
	}
	if next == model.StatusRead && !m.IsRead {
		m.IsRead = true
		if m.ReadAt.IsZero() {
			if !readAt.IsZero() {
				m.ReadAt = readAt
			} else {
				m.ReadAt = time.Now()
			}
		}
		changed = true
	}
	return changed
}

// adoptSentAt 采纳服务端时间：只允许前移，避免已渲染的消息向前重排
func (s *ChatStore) adoptSentAt(m *model.Message, sentAt time.Time) bool {
	if sentAt.IsZero() || !sentAt.After(m.SentAt) {
		return false
	}
	s.removeFromSlice(m)
	m.SentAt = sentAt
	s.insertSorted(m)
	return true
}

// insertSorted 按 SentAt 升序插入，时间相同时排在已有记录之后
func (s *ChatStore) insertSorted(m *model.Message) {
	i := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].SentAt.After(m.SentAt)
	})
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
}

func (s *ChatStore) removeFromSlice(m *model.Message) {
	for i, cur := range s.msgs {
		if cur == m {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return
		}
	}
}

func (s *ChatStore) index(m *model.Message) {
	if m.CorrelationToken != "" {
		s.byToken[m.CorrelationToken] = m
	}
	if m.ServerID > 0 {
		s.byServer[m.ServerID] = m
	}
}

func (s *ChatStore) unindex(m *model.Message) {
	if m.CorrelationToken != "" && s.byToken[m.CorrelationToken] == m {
		delete(s.byToken, m.CorrelationToken)
	}
	if m.ServerID > 0 && s.byServer[m.ServerID] == m {
		delete(s.byServer, m.ServerID)
	}
}

// refreshSummary 重算会话摘要
func (s *ChatStore) refreshSummary() {
	s.summary = model.ChatSummary{ChatID: s.chatID}
	if n := len(s.msgs); n > 0 {
		last := s.msgs[n-1]
		s.summary.LastMessage = last.Content
		s.summary.LastMessageTime = last.SentAt
	}
	for _, m := range s.msgs {
		if !m.IsOwn && !m.IsRead {
			s.summary.UnreadCount++
		}
	}
}
