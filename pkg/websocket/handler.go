package websocket

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"im-client/config"
	"im-client/internal/realtime"
	"im-client/internal/server/repository"
	"im-client/internal/server/service"
	"im-client/pkg/jwt"
	"im-client/pkg/redis"
	"im-client/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许跨域
	},
}

// Gateway WebSocket接入网关
// 负责鉴权、连接生命周期、心跳与入站帧路由

type Gateway struct {
	jwtSvc     *jwt.JWTService
	messageSvc *service.MessageService
	userRepo   *repository.UserRepository
	wsCfg      config.WebSocketConfig
}

// NewGateway 创建Gateway实例
func NewGateway(jwtSvc *jwt.JWTService, messageSvc *service.MessageService, userRepo *repository.UserRepository, wsCfg config.WebSocketConfig) *Gateway {
	return &Gateway{
		jwtSvc:     jwtSvc,
		messageSvc: messageSvc,
		userRepo:   userRepo,
		wsCfg:      wsCfg,
	}
}

// Handle Gin路由处理函数
func (g *Gateway) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		response.Unauthorized(c, "缺少token")
		return
	}

	claims, err := g.jwtSvc.ValidateToken(token)
	if err != nil {
		response.Unauthorized(c, "token无效或已过期")
		return
	}
	userID, _ := strconv.ParseUint(claims.Subject, 10, 64)
	if userID == 0 {
		response.Unauthorized(c, "token无效")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := NewClient(userID, conn)
	GetManager().AddClient(userID, client)

	// 连接建立后标记用户在线
	_ = g.userRepo.UpdateStatus(userID, "online")
	_ = redis.SetUserPresence(userID, "online")

	defer func() {
		GetManager().RemoveClient(userID)

		// 连接关闭后标记用户离线
		_ = g.userRepo.UpdateStatus(userID, "offline")
		_ = redis.SetUserPresence(userID, "offline")
	}()

	// 启动写协程 + 定时发送ping心跳
	// 连接摘除后以Done信号退出，Send通道保持打开
	go func() {
		ticker := time.NewTicker(g.wsCfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case data := <-client.Send:
				_ = conn.WriteMessage(websocket.TextMessage, data)
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
					// 心跳写失败，关闭连接以唤醒读循环
					_ = conn.Close()
					return
				}
			case <-client.Done():
				return
			}
		}
	}()

	// 读循环。若超时未收到任何读事件则断开
	_ = conn.SetReadDeadline(time.Now().Add(g.wsCfg.ReadTimeout))
	conn.SetPongHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(g.wsCfg.ReadTimeout))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.wsCfg.ReadTimeout))

		var f realtime.Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			continue
		}
		g.handleFrame(userID, client, f)
	}
}

// handleFrame 路由一条入站帧
func (g *Gateway) handleFrame(userID uint64, client *Client, f realtime.Frame) {
	switch f.Type {
	case realtime.FrameChat:
		// 实时通道发送消息：落库后向发送方回关联确认帧
		if f.CorrelationToken == "" || f.Content == "" {
			return
		}
		message, err := g.messageSvc.SendMessage(userID, f.ChatID, f.CorrelationToken, f.Content)
		if err != nil {
			return
		}
		g.sendFrame(client, realtime.Frame{
			Type:             realtime.FrameCorrelation,
			ChatID:           message.ChatID,
			MsgID:            message.ID,
			CorrelationToken: message.CorrelationToken,
			SenderID:         message.SenderID,
			Content:          message.Content,
			Status:           message.Status,
			SentAt:           message.CreatedAt.UnixMilli(),
		})

	case realtime.FrameAckRead:
		ids := f.MsgIDs
		if len(ids) == 0 && f.MsgID > 0 {
			ids = []uint64{f.MsgID}
		}
		_ = g.messageSvc.MarkRead(userID, f.ChatID, ids)

	case realtime.FrameTyping:
		g.messageSvc.RelayTyping(userID, f.ChatID, f.Typing)

	case realtime.FrameHeartbeat:
		// 刷新用户在线状态（延长TTL）
		_ = redis.RefreshUserPresence(userID)
		_ = g.userRepo.UpdateStatus(userID, "online")
	}
}

// sendFrame 向该连接写一帧
func (g *Gateway) sendFrame(client *Client, f realtime.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	_ = client.trySend(data)
}
