package store

import (
	"testing"
	"time"

	"im-client/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverMatchPriority(t *testing.T) {
	s := newTestStore()
	now := time.Now()

	byToken, _ := s.Upsert(optimistic("tok-1", "alpha", now))
	byServer, _ := s.Upsert(serverMsg(42, "", "beta", peerID, now))
	r := s.Resolver()

	// 关联标识优先于服务端ID
	m := r.Match(&model.Message{CorrelationToken: "tok-1", ServerID: 42})
	assert.Same(t, byToken, m)

	// 无标识命中服务端ID
	m = r.Match(&model.Message{ServerID: 42})
	assert.Same(t, byServer, m)

	// 携带未知标识的消息是另一条本端消息，不走启发式匹配
	m = r.Match(&model.Message{
		CorrelationToken: "unknown",
		SenderID:         selfID,
		Content:          "alpha",
		SentAt:           now,
	})
	assert.Nil(t, m)

	// 已确认的记录不参与启发式匹配
	m = r.Match(&model.Message{
		ServerID: 43,
		SenderID: peerID,
		Content:  "beta",
		SentAt:   now,
	})
	assert.Nil(t, m)
}

func TestResolverHeuristic(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	opt, _ := s.Upsert(optimistic("tok-1", "alpha", now))
	r := s.Resolver()

	// 容差内
	m := r.Match(&model.Message{SenderID: selfID, Content: "alpha", SentAt: now.Add(time.Second)})
	assert.Same(t, opt, m)

	// 只带服务端ID的回送消息同样按启发式并入乐观记录
	m = r.Match(&model.Message{ServerID: 7, SenderID: selfID, Content: "alpha", SentAt: now.Add(time.Second)})
	assert.Same(t, opt, m)

	// 容差外
	assert.Nil(t, r.Match(&model.Message{SenderID: selfID, Content: "alpha", SentAt: now.Add(time.Minute)}))
	// 内容不同
	assert.Nil(t, r.Match(&model.Message{SenderID: selfID, Content: "beta", SentAt: now}))
	// 发送者不同
	assert.Nil(t, r.Match(&model.Message{SenderID: peerID, Content: "alpha", SentAt: now}))
}

func TestResolverLookups(t *testing.T) {
	s := newTestStore()
	m, _ := s.Upsert(serverMsg(42, "tok-1", "alpha", selfID, time.Now()))
	r := s.Resolver()

	require.Same(t, m, r.ByToken("tok-1"))
	require.Same(t, m, r.ByServerID(42))
	assert.Nil(t, r.ByToken(""))
	assert.Nil(t, r.ByServerID(0))
	assert.Nil(t, r.ByToken("missing"))
}
