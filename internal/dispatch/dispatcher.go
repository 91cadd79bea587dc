package dispatch

import (
	"context"
	"sync"
	"time"

	"im-client/internal/model"
	"im-client/internal/realtime"
	"im-client/pkg/logger"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Outcome 一次投递的最终结果
type Outcome struct {
	ChatID           uint64
	CorrelationToken string
	ServerMessage    *model.Message // 成功时为服务端确认的消息
	Err              error          // 两条通道均失败时非空
}

// API 发送回退所需的HTTP接口
type API interface {
	SendMessage(ctx context.Context, chatID uint64, correlationToken, content string) (*model.Message, error)
}

// Sender 实时通道的发送能力
type Sender interface {
	IsConnected() bool
	SendFrame(f realtime.Frame) bool
}

// Dispatcher 投递调度器
// 实时通道优先，确认超时或失败后回退HTTP通道；
// 不同消息的投递互不阻塞，各自在独立协程内进行
type Dispatcher struct {
	rt         Sender
	api        API
	ackTimeout time.Duration
	onOutcome  func(Outcome)

	mu      sync.Mutex
	pending map[string]chan *model.Message // 等待关联确认的发送
}

// New 创建调度器，onOutcome 在投递协程内回调
func New(rt Sender, api API, ackTimeout time.Duration, onOutcome func(Outcome)) *Dispatcher {
	if ackTimeout <= 0 {
		ackTimeout = 3 * time.Second
	}
	return &Dispatcher{
		rt:         rt,
		api:        api,
		ackTimeout: ackTimeout,
		onOutcome:  onOutcome,
		pending:    make(map[string]chan *model.Message),
	}
}

// Prepare 同步创建乐观消息（供即时入库与展示），不发起投递
// 调用方先将消息写入存储，再调用 Dispatch 发起投递，
// 保证投递结果到达时记录一定已存在
func (d *Dispatcher) Prepare(chatID, senderID uint64, content string) *model.Message {
	return &model.Message{
		CorrelationToken: uuid.NewString(),
		ChatID:           chatID,
		SenderID:         senderID,
		Content:          content,
		SentAt:           time.Now(),
		Status:           model.StatusSending,
		IsOwn:            true,
	}
}

// Dispatch 对已入库的乐观消息发起异步投递
// 不同消息各自在独立协程内进行，互不阻塞
func (d *Dispatcher) Dispatch(ctx context.Context, msg *model.Message) {
	go d.deliver(ctx, msg.Clone())
}

// Confirm 关联确认到达时由协调方调用，唤醒等待确认的投递协程
// 返回是否有投递在等待该确认
func (d *Dispatcher) Confirm(token string, serverMsg *model.Message) bool {
	d.mu.Lock()
	ch, ok := d.pending[token]
	if ok {
		delete(d.pending, token)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	ch <- serverMsg
	return true
}

// deliver 实时通道优先、HTTP兜底的投递流程
func (d *Dispatcher) deliver(ctx context.Context, msg *model.Message) {
	token := msg.CorrelationToken

	if d.rt != nil && d.rt.IsConnected() {
		accepted := d.rt.SendFrame(realtime.Frame{
			Type:             realtime.FrameChat,
			ChatID:           msg.ChatID,
			CorrelationToken: token,
			Content:          msg.Content,
			SentAt:           msg.SentAt.UnixMilli(),
		})
		if accepted {
			ack := d.registerAck(token)
			select {
			case sm := <-ack:
				if sm != nil {
					d.emit(Outcome{ChatID: msg.ChatID, CorrelationToken: token, ServerMessage: sm})
					return
				}
			case <-time.After(d.ackTimeout):
				d.cancelAck(token)
				logger.Warn("实时通道确认超时，回退HTTP发送",
					zap.Uint64("chatID", msg.ChatID),
					zap.String("token", token),
				)
			case <-ctx.Done():
				d.cancelAck(token)
				d.emit(Outcome{ChatID: msg.ChatID, CorrelationToken: token, Err: ctx.Err()})
				return
			}
		}
	}

	// HTTP回退：携带同一关联标识，服务端按标识幂等
	sm, err := d.api.SendMessage(ctx, msg.ChatID, token, msg.Content)
	if err != nil {
		d.emit(Outcome{ChatID: msg.ChatID, CorrelationToken: token, Err: errors.WithMessage(err, "fallback send")})
		return
	}
	if sm == nil {
		d.emit(Outcome{ChatID: msg.ChatID, CorrelationToken: token, Err: errors.New("server rejected message")})
		return
	}
	if sm.CorrelationToken == "" {
		sm.CorrelationToken = token
	}
	d.emit(Outcome{ChatID: msg.ChatID, CorrelationToken: token, ServerMessage: sm})
}

func (d *Dispatcher) registerAck(token string) chan *model.Message {
	ch := make(chan *model.Message, 1)
	d.mu.Lock()
	d.pending[token] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) cancelAck(token string) {
	d.mu.Lock()
	delete(d.pending, token)
	d.mu.Unlock()
}

func (d *Dispatcher) emit(o Outcome) {
	if o.Err != nil {
		logger.Error("消息投递失败",
			zap.Uint64("chatID", o.ChatID),
			zap.String("token", o.CorrelationToken),
			zap.Error(o.Err),
		)
	}
	if d.onOutcome != nil {
		d.onOutcome(o)
	}
}
