package store

import (
	"testing"
	"time"

	"im-client/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChatID = uint64(7)
	selfID     = uint64(1)
	peerID     = uint64(2)
)

func newTestStore() *ChatStore {
	return NewChatStore(testChatID, selfID, 2*time.Second)
}

func optimistic(token, content string, at time.Time) *model.Message {
	return &model.Message{
		CorrelationToken: token,
		ChatID:           testChatID,
		SenderID:         selfID,
		Content:          content,
		SentAt:           at,
		Status:           model.StatusSending,
		IsOwn:            true,
	}
}

func serverMsg(id uint64, token, content string, sender uint64, at time.Time) *model.Message {
	return &model.Message{
		CorrelationToken: token,
		ServerID:         id,
		ChatID:           testChatID,
		SenderID:         sender,
		Content:          content,
		SentAt:           at,
		Status:           model.StatusSent,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s := newTestStore()
	now := time.Now()

	m1, changed := s.Upsert(serverMsg(10, "", "hello", peerID, now))
	require.True(t, changed)
	require.NotNil(t, m1)

	// 同一服务端ID重复写入不产生新记录
	m2, changed := s.Upsert(serverMsg(10, "", "hello", peerID, now))
	assert.False(t, changed)
	assert.Equal(t, 1, s.Len())
	assert.Same(t, m1, m2)
}

func TestUpsertCrossPathDedup(t *testing.T) {
	s := newTestStore()
	now := time.Now()

	// 乐观入库
	opt, changed := s.Upsert(optimistic("tok-1", "hi", now))
	require.True(t, changed)
	assert.False(t, opt.HasServerID())

	// 服务端确认携带同一关联标识：合并而非新增
	m, changed := s.Upsert(serverMsg(42, "tok-1", "hi", selfID, now.Add(time.Second)))
	require.True(t, changed)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(42), m.ServerID)
	assert.Equal(t, model.StatusSent, m.Status)

	// 之后同一消息经HTTP拉取到达（仅有ServerID）
	_, changed = s.Upsert(serverMsg(42, "", "hi", selfID, now.Add(time.Second)))
	assert.False(t, changed)
	assert.Equal(t, 1, s.Len())
}

func TestAttachServerID(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.Upsert(optimistic("tok-1", "hi", now))

	serverTime := now.Add(2 * time.Second)
	m, changed := s.AttachServerID("tok-1", 42, serverTime)
	require.True(t, changed)
	assert.Equal(t, uint64(42), m.ServerID)
	assert.Equal(t, model.StatusSent, m.Status)
	// 服务端时间晚于本地估计时被采纳
	assert.Equal(t, serverTime, m.SentAt)

	// 重复确认无副作用
	_, changed = s.AttachServerID("tok-1", 42, serverTime)
	assert.False(t, changed)

	// 未知标识
	_, changed = s.AttachServerID("nope", 99, serverTime)
	assert.False(t, changed)
}

func TestAttachServerIDCoalesce(t *testing.T) {
	s := newTestStore()
	now := time.Now()

	// 乐观记录与HTTP拉取的同一消息先后入库（内容与时间均不接近，启发式无法预先合并）
	s.Upsert(optimistic("tok-1", "hi", now))
	fetched, _ := s.Upsert(&model.Message{
		ServerID: 42,
		ChatID:   testChatID,
		SenderID: selfID,
		Content:  "hi!",
		SentAt:   now.Add(5 * time.Second), // 超出启发式容差，成为独立记录
		Status:   model.StatusDelivered,
	})
	require.Equal(t, 2, s.Len())

	// 迟到的关联确认把两条记录归并为一条，保留持有ServerID的一条
	m, changed := s.AttachServerID("tok-1", 42, time.Time{})
	require.True(t, changed)
	assert.Equal(t, 1, s.Len())
	assert.Same(t, fetched, m)
	assert.Equal(t, "tok-1", m.CorrelationToken)
	assert.Equal(t, model.StatusDelivered, m.Status)

	// 两个索引都指向保留者
	assert.Same(t, m, s.Resolver().ByToken("tok-1"))
	assert.Same(t, m, s.Resolver().ByServerID(42))
}

func TestHeuristicMerge(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	opt, _ := s.Upsert(optimistic("tok-1", "hello", now))

	// 两种标识都缺失的到达消息按 发送者+内容+时间接近 匹配
	merged, changed := s.Upsert(&model.Message{
		ChatID:   testChatID,
		SenderID: selfID,
		Content:  "hello",
		SentAt:   now.Add(time.Second),
		Status:   model.StatusDelivered,
	})
	assert.Same(t, opt, merged)
	assert.True(t, changed)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, model.StatusDelivered, merged.Status)

	// 时间偏差超出容差则视为新消息
	_, _ = s.Upsert(&model.Message{
		ChatID:   testChatID,
		SenderID: selfID,
		Content:  "hello",
		SentAt:   now.Add(10 * time.Second),
		Status:   model.StatusSent,
	})
	assert.Equal(t, 2, s.Len())
}

func TestRealtimeEchoMergesIntoOptimistic(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.Upsert(optimistic("c2", "hello", now))

	// 实时通道回送的本端消息只带服务端ID：按启发式并入乐观记录
	m, changed := s.Upsert(&model.Message{
		ServerID: 7,
		ChatID:   testChatID,
		SenderID: selfID,
		Content:  "hello",
		SentAt:   now.Add(time.Second),
		Status:   model.StatusSent,
	})
	require.True(t, changed)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(7), m.ServerID)
	assert.Equal(t, "c2", m.CorrelationToken)
	assert.Equal(t, model.StatusSent, m.Status)
	assert.Same(t, m, s.Resolver().ByServerID(7))
}

func TestCoalesceKeepsConfirmedContent(t *testing.T) {
	s := newTestStore()
	now := time.Now()

	s.Upsert(optimistic("tok-1", "hello", now))
	fetched, _ := s.Upsert(&model.Message{
		ServerID: 42,
		ChatID:   testChatID,
		SenderID: selfID,
		Content:  "hello",
		SentAt:   now.Add(5 * time.Second), // 超出启发式容差，成为独立记录
		Status:   model.StatusSent,
	})
	require.Equal(t, 2, s.Len())

	// 携带同一标识与服务端ID但内容不同的记录：归并后先到内容生效
	m, _ := s.Upsert(&model.Message{
		CorrelationToken: "tok-1",
		ServerID:         42,
		ChatID:           testChatID,
		SenderID:         selfID,
		Content:          "tampered",
		SentAt:           now,
		Status:           model.StatusSent,
	})
	assert.Equal(t, 1, s.Len())
	assert.Same(t, fetched, m)
	assert.Equal(t, "hello", m.Content)
}

func TestContentImmutableAfterConfirm(t *testing.T) {
	s := newTestStore()
	now := time.Now()

	m, _ := s.Upsert(serverMsg(10, "", "first", peerID, now))
	require.Equal(t, "first", m.Content)

	// 同一服务端ID声称不同内容：先到者生效
	_, _ = s.Upsert(serverMsg(10, "", "second", peerID, now))
	assert.Equal(t, "first", m.Content)
}

func TestStatusOutOfOrder(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.Upsert(serverMsg(10, "", "hi", selfID, now))

	// 已读先到
	m, changed := s.ApplyStatusByServerID(10, model.StatusRead)
	require.True(t, changed)
	assert.Equal(t, model.StatusRead, m.Status)
	assert.True(t, m.IsRead)
	readAt := m.ReadAt
	assert.False(t, readAt.IsZero())

	// 迟到的已送达不回退，已读时间不被覆盖
	_, changed = s.ApplyStatusByServerID(10, model.StatusDelivered)
	assert.False(t, changed)
	assert.Equal(t, model.StatusRead, m.Status)
	assert.Equal(t, readAt, m.ReadAt)
}

func TestFailByToken(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.Upsert(optimistic("tok-1", "hi", now))

	m, changed := s.FailByToken("tok-1")
	require.True(t, changed)
	assert.Equal(t, model.StatusFailed, m.Status)

	// 已送达的消息不能置失败
	s.Upsert(serverMsg(10, "tok-2", "yo", selfID, now))
	s.ApplyStatusByServerID(10, model.StatusDelivered)
	m2, changed := s.FailByToken("tok-2")
	assert.False(t, changed)
	assert.Equal(t, model.StatusDelivered, m2.Status)
}

func TestRemoveByCorrelation(t *testing.T) {
	s := newTestStore()
	s.Upsert(optimistic("tok-1", "hi", time.Now()))
	require.Equal(t, 1, s.Len())

	assert.True(t, s.RemoveByCorrelation("tok-1"))
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Resolver().ByToken("tok-1"))
	assert.False(t, s.RemoveByCorrelation("tok-1"))
}

func TestOrderingAndPrepend(t *testing.T) {
	s := newTestStore()
	base := time.Now()

	// 先有最新一页
	s.Prepend([]*model.Message{
		serverMsg(30, "", "m3", peerID, base.Add(3*time.Second)),
		serverMsg(40, "", "m4", selfID, base.Add(4*time.Second)),
	})
	// 向前翻页合并更早一页，含一条重复
	changed := s.Prepend([]*model.Message{
		serverMsg(10, "", "m1", peerID, base.Add(1*time.Second)),
		serverMsg(20, "", "m2", selfID, base.Add(2*time.Second)),
		serverMsg(30, "", "m3", peerID, base.Add(3*time.Second)),
	})
	require.True(t, changed)

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	for i, want := range []string{"m1", "m2", "m3", "m4"} {
		assert.Equal(t, want, msgs[i].Content)
	}
	assert.Equal(t, 4, s.ServerCount())
}

func TestSummary(t *testing.T) {
	s := newTestStore()
	base := time.Now()

	s.Upsert(serverMsg(10, "", "from peer", peerID, base))
	s.Upsert(serverMsg(20, "", "mine", selfID, base.Add(time.Second)))

	sum := s.Summary()
	assert.Equal(t, testChatID, sum.ChatID)
	assert.Equal(t, "mine", sum.LastMessage)
	// 只计对端发来且未读的消息
	assert.Equal(t, 1, sum.UnreadCount)

	s.ApplyStatusByServerID(10, model.StatusRead)
	assert.Equal(t, 0, s.Summary().UnreadCount)
}

func TestMessagesSnapshotIsolated(t *testing.T) {
	s := newTestStore()
	s.Upsert(serverMsg(10, "", "hi", peerID, time.Now()))

	snap := s.Messages()
	snap[0].Content = "mutated"

	assert.Equal(t, "hi", s.Messages()[0].Content)
}
