package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"im-client/internal/model"
	"im-client/internal/realtime"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	connected bool
	accept    bool
	sent      chan realtime.Frame
}

func newFakeSender(connected, accept bool) *fakeSender {
	return &fakeSender{connected: connected, accept: accept, sent: make(chan realtime.Frame, 8)}
}

func (f *fakeSender) IsConnected() bool { return f.connected }

func (f *fakeSender) SendFrame(frame realtime.Frame) bool {
	f.sent <- frame
	return f.accept
}

type fakeAPI struct {
	calls int32
	send  func(chatID uint64, token, content string) (*model.Message, error)
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID uint64, token, content string) (*model.Message, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.send(chatID, token, content)
}

func (f *fakeAPI) callCount() int32 { return atomic.LoadInt32(&f.calls) }

func collectOutcomes() (chan Outcome, func(Outcome)) {
	ch := make(chan Outcome, 8)
	return ch, func(o Outcome) { ch <- o }
}

func waitOutcome(t *testing.T, ch chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome delivered")
		return Outcome{}
	}
}

func TestPrepareOptimisticMessage(t *testing.T) {
	d := New(newFakeSender(false, false), &fakeAPI{}, 50*time.Millisecond, nil)

	msg := d.Prepare(7, 1, "hello")
	require.NotNil(t, msg)
	assert.NotEmpty(t, msg.CorrelationToken)
	assert.Equal(t, model.StatusSending, msg.Status)
	assert.True(t, msg.IsOwn)
	assert.Equal(t, uint64(7), msg.ChatID)

	// 每条消息获得独立的关联标识
	assert.NotEqual(t, msg.CorrelationToken, d.Prepare(7, 1, "hello").CorrelationToken)
}

func TestPrepareDoesNotDeliver(t *testing.T) {
	outcomes, onOutcome := collectOutcomes()
	api := &fakeAPI{send: func(chatID uint64, token, content string) (*model.Message, error) {
		return nil, errors.New("server unreachable")
	}}
	d := New(newFakeSender(false, false), api, 30*time.Millisecond, onOutcome)

	msg := d.Prepare(7, 1, "hello")

	// 投递尚未发起：调用方有机会先把乐观消息入库
	select {
	case o := <-outcomes:
		t.Fatalf("unexpected outcome before dispatch: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, api.callCount())

	d.Dispatch(context.Background(), msg)
	o := waitOutcome(t, outcomes)
	require.Error(t, o.Err)
	assert.Equal(t, msg.CorrelationToken, o.CorrelationToken)
}

func TestFallbackWhenDisconnected(t *testing.T) {
	outcomes, onOutcome := collectOutcomes()
	rt := newFakeSender(false, false)
	api := &fakeAPI{send: func(chatID uint64, token, content string) (*model.Message, error) {
		return &model.Message{ServerID: 42, ChatID: chatID, CorrelationToken: token, Content: content, Status: model.StatusSent}, nil
	}}
	d := New(rt, api, 50*time.Millisecond, onOutcome)

	msg := d.Prepare(7, 1, "hello")
	d.Dispatch(context.Background(), msg)
	o := waitOutcome(t, outcomes)

	require.NoError(t, o.Err)
	require.NotNil(t, o.ServerMessage)
	// HTTP回退携带同一关联标识
	assert.Equal(t, msg.CorrelationToken, o.CorrelationToken)
	assert.Equal(t, msg.CorrelationToken, o.ServerMessage.CorrelationToken)
	assert.Equal(t, uint64(42), o.ServerMessage.ServerID)
	// 断连时不经过实时通道
	assert.Empty(t, rt.sent)
}

func TestRealtimeDeliveryWithAck(t *testing.T) {
	outcomes, onOutcome := collectOutcomes()
	rt := newFakeSender(true, true)
	api := &fakeAPI{send: func(chatID uint64, token, content string) (*model.Message, error) {
		return nil, errors.New("unexpected HTTP fallback")
	}}
	d := New(rt, api, time.Second, onOutcome)

	msg := d.Prepare(7, 1, "hello")
	d.Dispatch(context.Background(), msg)

	// 帧已写入实时通道
	var frame realtime.Frame
	select {
	case frame = <-rt.sent:
	case <-time.After(time.Second):
		t.Fatal("no frame sent")
	}
	assert.Equal(t, realtime.FrameChat, frame.Type)
	assert.Equal(t, msg.CorrelationToken, frame.CorrelationToken)

	// 关联确认唤醒投递协程
	confirmed := d.Confirm(msg.CorrelationToken, &model.Message{
		ServerID:         99,
		ChatID:           7,
		CorrelationToken: msg.CorrelationToken,
		Status:           model.StatusSent,
	})
	assert.True(t, confirmed)

	o := waitOutcome(t, outcomes)
	require.NoError(t, o.Err)
	assert.Equal(t, uint64(99), o.ServerMessage.ServerID)
	assert.Zero(t, api.callCount())
}

func TestAckTimeoutFallsBack(t *testing.T) {
	outcomes, onOutcome := collectOutcomes()
	rt := newFakeSender(true, true)
	api := &fakeAPI{send: func(chatID uint64, token, content string) (*model.Message, error) {
		return &model.Message{ServerID: 5, ChatID: chatID, CorrelationToken: token, Status: model.StatusSent}, nil
	}}
	d := New(rt, api, 30*time.Millisecond, onOutcome)

	msg := d.Prepare(7, 1, "hello")
	d.Dispatch(context.Background(), msg)
	o := waitOutcome(t, outcomes)

	require.NoError(t, o.Err)
	assert.Equal(t, uint64(5), o.ServerMessage.ServerID)
	assert.EqualValues(t, 1, api.callCount())

	// 超时后到达的确认已无等待者
	assert.False(t, d.Confirm(msg.CorrelationToken, &model.Message{ServerID: 5}))
}

func TestBothChannelsFail(t *testing.T) {
	outcomes, onOutcome := collectOutcomes()
	rt := newFakeSender(true, false) // 通道拒绝写入
	api := &fakeAPI{send: func(chatID uint64, token, content string) (*model.Message, error) {
		return nil, errors.New("server unreachable")
	}}
	d := New(rt, api, 30*time.Millisecond, onOutcome)

	msg := d.Prepare(7, 1, "hello")
	d.Dispatch(context.Background(), msg)
	o := waitOutcome(t, outcomes)

	require.Error(t, o.Err)
	assert.Equal(t, msg.CorrelationToken, o.CorrelationToken)
	assert.Nil(t, o.ServerMessage)
}
