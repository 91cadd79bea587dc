package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"im-client/internal/apiclient"
	"im-client/internal/auth"

	"github.com/google/uuid"
)

// -------------------- 运行时监控 --------------------

type RuntimeStats struct {
	Timestamp  time.Time
	MemoryUsed uint64
	MemorySys  uint64
	Goroutines int
}

type Monitor struct {
	stats    []RuntimeStats
	interval time.Duration
	stopChan chan struct{}
}

func NewMonitor(interval time.Duration) *Monitor {
	return &Monitor{
		stats:    make([]RuntimeStats, 0, 512),
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (m *Monitor) collectStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats := RuntimeStats{
		Timestamp:  time.Now(),
		MemoryUsed: ms.Alloc,
		MemorySys:  ms.Sys,
		Goroutines: runtime.NumGoroutine(),
	}
	m.stats = append(m.stats, stats)
	return stats
}

func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.printStats(m.collectStats())
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() { close(m.stopChan) }

func (m *Monitor) printStats(s RuntimeStats) {
	fmt.Printf("[%s] 内存: %.1fMB/%.1fMB | Goroutines: %d\n",
		s.Timestamp.Format("15:04:05"),
		float64(s.MemoryUsed)/1024/1024, float64(s.MemorySys)/1024/1024,
		s.Goroutines,
	)
}

func (m *Monitor) GenerateReport() {
	if len(m.stats) == 0 {
		fmt.Println("没有监控数据")
		return
	}
	var sumGo, maxGo int
	var maxMem uint64
	for _, s := range m.stats {
		sumGo += s.Goroutines
		if s.Goroutines > maxGo {
			maxGo = s.Goroutines
		}
		if s.MemoryUsed > maxMem {
			maxMem = s.MemoryUsed
		}
	}
	n := float64(len(m.stats))
	fmt.Println("\n=== 运行时监控报告 ===")
	fmt.Printf("持续: %v\n", m.stats[len(m.stats)-1].Timestamp.Sub(m.stats[0].Timestamp))
	fmt.Printf("平均Goroutine: %d, 峰值Goroutine: %d\n", int(float64(sumGo)/n+0.5), maxGo)
	fmt.Printf("峰值内存: %.1fMB\n", float64(maxMem)/1024/1024)
}

// -------------------- 发送压测 --------------------

type SendStats struct {
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	AverageLatency     time.Duration
	MaxLatency         time.Duration
	MinLatency         time.Duration
	mu                 sync.Mutex
}

func (s *SendStats) Add(success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalRequests++
	if success {
		s.SuccessfulRequests++
		if s.AverageLatency == 0 {
			s.AverageLatency = latency
			s.MaxLatency = latency
			s.MinLatency = latency
		} else {
			s.AverageLatency = (s.AverageLatency + latency) / 2
			if latency > s.MaxLatency {
				s.MaxLatency = latency
			}
			if latency < s.MinLatency {
				s.MinLatency = latency
			}
		}
	} else {
		s.FailedRequests++
	}
}

// setupUsers 注册两个压测用户并开一个会话，返回发送方API客户端与会话ID
func setupUsers(baseURL string) (*apiclient.Client, uint64, error) {
	suffix := uuid.NewString()[:8]
	sender := auth.NewIdentity()
	senderAPI := apiclient.New(baseURL, 10*time.Second, sender.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	senderToken, _, err := senderAPI.Register(ctx, "bench_sender_"+suffix, "", "bench-password")
	if err != nil {
		return nil, 0, fmt.Errorf("注册发送方失败: %w", err)
	}
	if err := sender.SetToken(senderToken); err != nil {
		return nil, 0, err
	}

	receiver := auth.NewIdentity()
	receiverAPI := apiclient.New(baseURL, 10*time.Second, receiver.Token)
	receiverToken, receiverID, err := receiverAPI.Register(ctx, "bench_receiver_"+suffix, "", "bench-password")
	if err != nil {
		return nil, 0, fmt.Errorf("注册接收方失败: %w", err)
	}
	if err := receiver.SetToken(receiverToken); err != nil {
		return nil, 0, err
	}

	chatID, err := senderAPI.OpenChat(ctx, receiverID)
	if err != nil {
		return nil, 0, fmt.Errorf("创建会话失败: %w", err)
	}
	return senderAPI, chatID, nil
}

func runSendBench(api *apiclient.Client, chatID uint64, concurrency, perGoroutine int) {
	fmt.Println("\n=== 消息发送并发测试开始 ===")
	fmt.Printf("会话: %d 并发: %d 每协程请求: %d\n", chatID, concurrency, perGoroutine)

	stats := &SendStats{}
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
				sendStart := time.Now()
				_, err := api.SendMessage(ctx, chatID, uuid.NewString(),
					fmt.Sprintf("bench message %d-%d", id, j))
				cancel()
				stats.Add(err == nil, time.Since(sendStart))
				time.Sleep(5 * time.Millisecond)
			}
		}(i)
	}

	wg.Wait()

	took := time.Since(start)
	fmt.Println("\n=== 消息发送测试结果 ===")
	fmt.Printf("耗时: %v\n", took)
	fmt.Printf("总请求: %d 成功: %d 失败: %d\n", stats.TotalRequests, stats.SuccessfulRequests, stats.FailedRequests)
	fmt.Printf("延迟 平均: %v 最大: %v 最小: %v\n", stats.AverageLatency, stats.MaxLatency, stats.MinLatency)
	if took > 0 {
		qps := float64(stats.SuccessfulRequests) / took.Seconds()
		fmt.Printf("QPS: %.2f\n", qps)
	}
	if stats.TotalRequests > 0 {
		rate := float64(stats.SuccessfulRequests) / float64(stats.TotalRequests) * 100
		fmt.Printf("成功率: %.2f%%\n", rate)
	}
}

// -------------------- 入口 --------------------

func main() {
	concurrency := 5
	perGoroutine := 10
	if len(os.Args) > 1 {
		if val, err := strconv.Atoi(os.Args[1]); err == nil {
			concurrency = val
		}
	}
	if len(os.Args) > 2 {
		if val, err := strconv.Atoi(os.Args[2]); err == nil {
			perGoroutine = val
		}
	}

	baseURL := "http://localhost:8080"
	if v := os.Getenv("BENCH_BASE_URL"); v != "" {
		baseURL = v
	}

	fmt.Println("=== 消息发送并发与监控测试 ===")
	fmt.Printf("开始时间: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Printf("目标: %s 并发: %d 每协程请求: %d\n", baseURL, concurrency, perGoroutine)

	api, chatID, err := setupUsers(baseURL)
	if err != nil {
		fmt.Println("压测准备失败:", err)
		os.Exit(1)
	}

	mon := NewMonitor(1 * time.Second)
	mon.Start()

	runSendBench(api, chatID, concurrency, perGoroutine)

	mon.Stop()
	mon.GenerateReport()

	fmt.Println("\n=== 测试完成 ===")
}
