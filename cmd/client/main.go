package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"im-client/config"
	"im-client/internal/apiclient"
	"im-client/internal/auth"
	"im-client/internal/engine"
	"im-client/internal/model"
	"im-client/internal/realtime"
	"im-client/pkg/logger"

	"go.uber.org/zap"
)

// consoleListener 把会话变更打印到终端
type consoleListener struct {
	selfID uint64
}

func (l *consoleListener) OnMessagesChanged(chatID uint64, msgs []*model.Message) {
	if len(msgs) == 0 {
		return
	}
	m := msgs[len(msgs)-1]
	who := "对方"
	if m.IsOwn {
		who = "我"
	}
	fmt.Printf("[%s] %s: %s (%s)\n", m.SentAt.Format("15:04:05"), who, m.Content, m.Status)
}

func (l *consoleListener) OnSummaryChanged(sum model.ChatSummary) {
	if sum.UnreadCount > 0 {
		fmt.Printf("** 未读 %d 条 **\n", sum.UnreadCount)
	}
}

func (l *consoleListener) OnTransientError(chatID uint64, reason string) {
	fmt.Printf("!! %s\n", reason)
}

func (l *consoleListener) OnTyping(chatID, userID uint64, typing bool) {
	if typing {
		fmt.Println("对方正在输入...")
	}
}

func (l *consoleListener) OnConnectionStateChanged(connected bool) {
	if connected {
		fmt.Println("== 实时通道已连接 ==")
	} else {
		fmt.Println("== 实时通道已断开，发送将回退HTTP ==")
	}
}

func main() {
	var (
		username = flag.String("user", "", "用户名")
		password = flag.String("pass", "", "密码")
		register = flag.Bool("register", false, "先注册再登录")
		chatRef  = flag.String("chat", "", "会话ID")
	)
	flag.Parse()

	if *username == "" || *password == "" || *chatRef == "" {
		fmt.Fprintln(os.Stderr, "用法: client -user <用户名> -pass <密码> -chat <会话ID> [-register]")
		os.Exit(1)
	}

	cfg := config.LoadConfig()
	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	identity := auth.NewIdentity()
	api := apiclient.New(cfg.Client.APIBaseURL, cfg.Client.RequestTimeout, identity.Token)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.RequestTimeout)
	defer cancel()

	// 登录（或注册）换取令牌
	var token string
	var err error
	if *register {
		token, _, err = api.Register(ctx, *username, "", *password)
	} else {
		token, _, err = api.Login(ctx, *username, *password)
	}
	if err != nil {
		log.Fatal("认证失败", zap.Error(err))
	}
	if err := identity.SetToken(token); err != nil {
		log.Fatal("令牌解析失败", zap.Error(err))
	}
	fmt.Printf("已登录，用户ID=%d\n", identity.CurrentUserID())

	// 建立实时通道；失败不致命，引擎会走HTTP回退
	ch := realtime.NewWSChannel(cfg.Client.WSURL, token, 30*time.Second, 90*time.Second)
	if err := ch.Connect(context.Background()); err != nil {
		log.Warn("实时通道连接失败，仅HTTP模式", zap.Error(err))
	}
	reg := realtime.NewRegistry(ch)

	eng := engine.New(cfg.Client, reg, api, identity)
	defer eng.Close()

	listener := &consoleListener{selfID: identity.CurrentUserID()}
	session, err := eng.Open(*chatRef, listener)
	if err != nil {
		log.Fatal("打开会话失败", zap.Error(err))
	}

	if err := session.Initialize(); err != nil {
		log.Warn("历史加载失败", zap.Error(err))
	}
	for _, m := range session.Messages() {
		who := "对方"
		if m.IsOwn {
			who = "我"
		}
		fmt.Printf("[%s] %s: %s (%s)\n", m.SentAt.Format("15:04:05"), who, m.Content, m.Status)
	}

	fmt.Println("输入内容回车发送；/more 加载更早消息；/quit 退出")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/more":
			if err := session.LoadOlder(); err != nil {
				fmt.Printf("!! 加载失败: %v\n", err)
			}
		default:
			if _, err := session.Send(line); err != nil {
				fmt.Printf("!! 发送失败: %v\n", err)
			}
		}
	}
}
