package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"im-client/config"
	"im-client/internal/model"
	"im-client/internal/realtime"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel 可控的实时通道
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	accept    bool
	sent      []realtime.Frame

	frames chan realtime.Frame
	states chan bool
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{
		connected: connected,
		accept:    true,
		frames:    make(chan realtime.Frame, 16),
		states:    make(chan bool, 16),
	}
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Connect(ctx context.Context) error { return nil }

func (f *fakeChannel) SendFrame(frame realtime.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.sent = append(f.sent, frame)
	return true
}

func (f *fakeChannel) Frames() <-chan realtime.Frame { return f.frames }
func (f *fakeChannel) StateChanges() <-chan bool     { return f.states }
func (f *fakeChannel) Close() error                  { return nil }

func (f *fakeChannel) sentFrames() []realtime.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]realtime.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeChannel) lastSent(frameType string) (realtime.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == frameType {
			return f.sent[i], true
		}
	}
	return realtime.Frame{}, false
}

// fakeChatAPI 可编程的HTTP接口
type fakeChatAPI struct {
	mu       sync.Mutex
	history  []*model.Message
	sendFn   func(chatID uint64, token, content string) (*model.Message, error)
	readIDs  []uint64
	getCalls int
	getErr   error         // 非空时GetMessages返回该错误
	getGate  chan struct{} // 非空时GetMessages在返回前阻塞等待
}

func (f *fakeChatAPI) SendMessage(ctx context.Context, chatID uint64, token, content string) (*model.Message, error) {
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("send disabled")
	}
	return fn(chatID, token, content)
}

func (f *fakeChatAPI) GetMessages(ctx context.Context, chatID uint64, offset, limit int) ([]*model.Message, error) {
	f.mu.Lock()
	f.getCalls++
	gate := f.getGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	// history 按时间降序存放（最新在前），与服务端分页一致；返回时翻转为升序
	if offset >= len(f.history) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.history) {
		end = len(f.history)
	}
	page := f.history[offset:end]
	out := make([]*model.Message, len(page))
	for i := range page {
		out[len(page)-1-i] = page[i].Clone()
	}
	return out, nil
}

func (f *fakeChatAPI) MarkRead(ctx context.Context, chatID uint64, ids []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readIDs = append(f.readIDs, ids...)
	return nil
}

type fakeIdentity struct{ id uint64 }

func (f fakeIdentity) CurrentUserID() uint64 { return f.id }

// recordingListener 记录引擎通知
type recordingListener struct {
	mu        sync.Mutex
	msgs      []*model.Message
	summary   model.ChatSummary
	errors    []string
	typing    int
	connState []bool
}

func (l *recordingListener) OnMessagesChanged(chatID uint64, msgs []*model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = msgs
}

func (l *recordingListener) OnSummaryChanged(sum model.ChatSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary = sum
}

func (l *recordingListener) OnTransientError(chatID uint64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, reason)
}

func (l *recordingListener) OnTyping(chatID, userID uint64, typing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.typing++
}

func (l *recordingListener) OnConnectionStateChanged(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connState = append(l.connState, connected)
}

func (l *recordingListener) current() []*model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.msgs
}

func testConfig() config.ClientConfig {
	return config.ClientConfig{
		AckTimeout:     500 * time.Millisecond,
		RequestTimeout: time.Second,
		EvictionGrace:  60 * time.Millisecond,
		MatchTolerance: 2 * time.Second,
		PageSize:       2,
	}
}

func newTestEngine(t *testing.T, ch *fakeChannel, api *fakeChatAPI, userID uint64) *Engine {
	t.Helper()
	reg := realtime.NewRegistry(ch)
	e := New(testConfig(), reg, api, fakeIdentity{id: userID})
	t.Cleanup(e.Close)
	return e
}

func serverHistoryMsg(id uint64, sender uint64, content string, at time.Time) *model.Message {
	return &model.Message{
		ServerID: id,
		ChatID:   7,
		SenderID: sender,
		Content:  content,
		SentAt:   at,
		Status:   model.StatusSent,
	}
}

func TestOpenInvalidChatRef(t *testing.T) {
	e := newTestEngine(t, newFakeChannel(false), &fakeChatAPI{}, 1)

	for _, ref := range []string{"", "abc", "0", "-3"} {
		_, err := e.Open(ref, &recordingListener{})
		assert.Error(t, err, "ref=%q", ref)
	}
	// 解析失败不产生会话状态
	e.mu.Lock()
	assert.Empty(t, e.sessions)
	e.mu.Unlock()
}

func TestOpenSameChatReturnsExisting(t *testing.T) {
	e := newTestEngine(t, newFakeChannel(false), &fakeChatAPI{}, 1)

	s1, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)
	s2, err := e.Open(" 7 ", &recordingListener{})
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestSendRequiresAuth(t *testing.T) {
	e := newTestEngine(t, newFakeChannel(false), &fakeChatAPI{}, 0)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)
	_, err = s.Send("hello")
	assert.Error(t, err)

	_, err = s.Send("")
	assert.Error(t, err)
}

func TestSendFallsBackToHTTP(t *testing.T) {
	api := &fakeChatAPI{}
	api.sendFn = func(chatID uint64, token, content string) (*model.Message, error) {
		return &model.Message{
			ServerID:         42,
			ChatID:           chatID,
			SenderID:         1,
			CorrelationToken: token,
			Content:          content,
			SentAt:           time.Now(),
			Status:           model.StatusSent,
		}, nil
	}
	e := newTestEngine(t, newFakeChannel(false), api, 1)

	listener := &recordingListener{}
	s, err := e.Open("7", listener)
	require.NoError(t, err)

	opt, err := s.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSending, opt.Status)

	// 乐观消息立即可见
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	// HTTP回退确认后合并为同一条记录
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ServerID == 42 && msgs[0].Status == model.StatusSent
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, opt.CorrelationToken, s.Messages()[0].CorrelationToken)
}

func TestSendOverRealtimeWithCorrelation(t *testing.T) {
	ch := newFakeChannel(true)
	api := &fakeChatAPI{} // HTTP发送不可用，确认必须来自实时通道
	e := newTestEngine(t, ch, api, 1)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)

	_, err = s.Send("hello")
	require.NoError(t, err)

	// 等待chat帧写入通道
	var frame realtime.Frame
	require.Eventually(t, func() bool {
		f, ok := ch.lastSent(realtime.FrameChat)
		frame = f
		return ok
	}, time.Second, 5*time.Millisecond)

	// 服务端回关联确认
	ch.frames <- realtime.Frame{
		Type:             realtime.FrameCorrelation,
		ChatID:           7,
		MsgID:            99,
		CorrelationToken: frame.CorrelationToken,
		SentAt:           time.Now().UnixMilli(),
	}

	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ServerID == 99 && msgs[0].Status >= model.StatusSent
	}, time.Second, 10*time.Millisecond)
}

func TestSendFailureEvictsAfterGrace(t *testing.T) {
	ch := newFakeChannel(false)
	api := &fakeChatAPI{} // sendFn为空：HTTP发送同样失败
	e := newTestEngine(t, ch, api, 1)

	listener := &recordingListener{}
	s, err := e.Open("7", listener)
	require.NoError(t, err)

	_, err = s.Send("doomed")
	require.NoError(t, err)

	// 两条通道均失败后进入失败态
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].Status == model.StatusFailed
	}, time.Second, 10*time.Millisecond)

	listener.mu.Lock()
	assert.NotEmpty(t, listener.errors)
	listener.mu.Unlock()

	// 驻留时间过后从列表移除
	require.Eventually(t, func() bool {
		return len(s.Messages()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestInitializeAndLoadOlder(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	api := &fakeChatAPI{
		// 降序存放：最新在前
		history: []*model.Message{
			serverHistoryMsg(40, 2, "m4", base.Add(4*time.Second)),
			serverHistoryMsg(30, 1, "m3", base.Add(3*time.Second)),
			serverHistoryMsg(20, 2, "m2", base.Add(2*time.Second)),
			serverHistoryMsg(10, 1, "m1", base.Add(1*time.Second)),
		},
	}
	e := newTestEngine(t, newFakeChannel(false), api, 1)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)

	require.NoError(t, s.Initialize())
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].Content)
	assert.Equal(t, "m4", msgs[1].Content)
	assert.True(t, s.CanLoadMore())

	require.NoError(t, s.LoadOlder())
	msgs = s.Messages()
	require.Len(t, msgs, 4)
	for i, want := range []string{"m1", "m2", "m3", "m4"} {
		assert.Equal(t, want, msgs[i].Content)
	}
	assert.True(t, s.CanLoadMore())

	// 再翻一页为空，翻页到底
	require.NoError(t, s.LoadOlder())
	assert.False(t, s.CanLoadMore())
	assert.Len(t, s.Messages(), 4)

	// 到底后继续调用不再请求
	api.mu.Lock()
	calls := api.getCalls
	api.mu.Unlock()
	require.NoError(t, s.LoadOlder())
	api.mu.Lock()
	assert.Equal(t, calls, api.getCalls)
	api.mu.Unlock()
}

func TestInitializeSingleFlight(t *testing.T) {
	api := &fakeChatAPI{
		history: []*model.Message{
			serverHistoryMsg(10, 2, "m1", time.Now().Add(-time.Minute)),
		},
	}
	e := newTestEngine(t, newFakeChannel(false), api, 1)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Initialize()
		}()
	}
	wg.Wait()

	api.mu.Lock()
	assert.Equal(t, 1, api.getCalls)
	api.mu.Unlock()
	assert.Equal(t, 1, len(s.Messages()))
}

func TestInitializeRetryAfterFailure(t *testing.T) {
	api := &fakeChatAPI{
		history: []*model.Message{
			serverHistoryMsg(10, 2, "m1", time.Now().Add(-time.Minute)),
		},
		getErr: errors.New("transient network error"),
	}
	e := newTestEngine(t, newFakeChannel(false), api, 1)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)

	require.Error(t, s.Initialize())
	assert.Empty(t, s.Messages())

	// 故障恢复后重试成功，不残留上一次的错误
	api.mu.Lock()
	api.getErr = nil
	api.mu.Unlock()
	require.NoError(t, s.Initialize())
	assert.Len(t, s.Messages(), 1)

	// 再次调用直接复用已完成的初始化
	require.NoError(t, s.Initialize())
}

func TestCloseDiscardsInFlightPage(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	api := &fakeChatAPI{
		history: []*model.Message{
			serverHistoryMsg(40, 2, "m4", base.Add(4*time.Second)),
			serverHistoryMsg(30, 1, "m3", base.Add(3*time.Second)),
			serverHistoryMsg(20, 2, "m2", base.Add(2*time.Second)),
			serverHistoryMsg(10, 1, "m1", base.Add(1*time.Second)),
		},
	}
	e := newTestEngine(t, newFakeChannel(false), api, 1)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	require.Len(t, s.Messages(), 2)

	// 让翻页请求停在途中
	gate := make(chan struct{})
	api.mu.Lock()
	api.getGate = gate
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.LoadOlder() }()
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.getCalls == 2
	}, time.Second, 5*time.Millisecond)

	// 会话关闭后才返回的过期页不得并入存储
	s.Close()
	close(gate)
	require.NoError(t, <-done)
	assert.Len(t, s.Messages(), 2)
}

func TestStatusOutOfOrderViaRealtime(t *testing.T) {
	ch := newFakeChannel(true)
	api := &fakeChatAPI{
		history: []*model.Message{
			serverHistoryMsg(10, 1, "mine", time.Now().Add(-time.Minute)),
		},
	}
	e := newTestEngine(t, ch, api, 1)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)
	require.NoError(t, s.Initialize())

	// 已读先到、已送达后到
	ch.frames <- realtime.Frame{Type: realtime.FrameStatus, ChatID: 7, MsgID: 10, Status: "read"}
	ch.frames <- realtime.Frame{Type: realtime.FrameStatus, ChatID: 7, MsgID: 10, Status: "delivered"}

	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].IsRead
	}, time.Second, 10*time.Millisecond)

	// 迟到的delivered不回退
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.StatusRead, s.Messages()[0].Status)
}

func TestIncomingPeerMessageAutoRead(t *testing.T) {
	ch := newFakeChannel(true)
	api := &fakeChatAPI{}
	e := newTestEngine(t, ch, api, 1)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)

	ch.frames <- realtime.Frame{
		Type:     realtime.FrameChat,
		ChatID:   7,
		MsgID:    55,
		SenderID: 2,
		Content:  "hi there",
		Status:   "delivered",
		SentAt:   time.Now().UnixMilli(),
	}

	// 消息入库且本地先行置已读
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].IsRead
	}, time.Second, 10*time.Millisecond)

	// 已读回执经实时通道上报
	require.Eventually(t, func() bool {
		f, ok := ch.lastSent(realtime.FrameAckRead)
		return ok && len(f.MsgIDs) == 1 && f.MsgIDs[0] == 55
	}, time.Second, 10*time.Millisecond)
}

func TestMarkReadFallsBackToHTTP(t *testing.T) {
	ch := newFakeChannel(false) // 实时通道断开
	api := &fakeChatAPI{
		history: []*model.Message{
			serverHistoryMsg(10, 2, "from peer", time.Now().Add(-time.Minute)),
		},
	}
	e := newTestEngine(t, ch, api, 1)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	require.Equal(t, 1, s.Summary().UnreadCount)

	require.NoError(t, s.MarkVisibleAsRead([]uint64{10}))

	// 本地立即生效
	assert.True(t, s.Messages()[0].IsRead)
	assert.Equal(t, 0, s.Summary().UnreadCount)

	// 回执走HTTP
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.readIDs) == 1 && api.readIDs[0] == 10
	}, time.Second, 10*time.Millisecond)
}

func TestTypingRelay(t *testing.T) {
	ch := newFakeChannel(true)
	e := newTestEngine(t, ch, &fakeChatAPI{}, 1)

	listener := &recordingListener{}
	s, err := e.Open("7", listener)
	require.NoError(t, err)

	s.SendTyping(true)
	f, ok := ch.lastSent(realtime.FrameTyping)
	require.True(t, ok)
	assert.True(t, f.Typing)
	assert.Equal(t, uint64(7), f.ChatID)

	ch.frames <- realtime.Frame{Type: realtime.FrameTyping, ChatID: 7, UserID: 2, Typing: true}
	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return listener.typing == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCloseStopsSession(t *testing.T) {
	ch := newFakeChannel(true)
	e := newTestEngine(t, ch, &fakeChatAPI{}, 1)

	s, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)

	s.Close()
	s.Close() // 幂等

	// 会话已摘除，事件不再送达
	ch.frames <- realtime.Frame{Type: realtime.FrameChat, ChatID: 7, MsgID: 1, SenderID: 2, Content: "late"}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Messages())

	// 重新打开得到新会话
	s2, err := e.Open("7", &recordingListener{})
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
}
