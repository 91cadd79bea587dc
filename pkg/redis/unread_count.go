package redis

import (
	"fmt"
	"time"
)

// 未读消息计数相关常量
const (
	UnreadCountKeyPrefix = "im:unread:" // 未读消息计数key前缀，按 用户:会话 维度
)

func unreadKey(userID, chatID uint64) string {
	return fmt.Sprintf("%s%d:%d", UnreadCountKeyPrefix, userID, chatID)
}

// IncrementUnreadCount 增加用户在某会话的未读消息计数
func IncrementUnreadCount(userID, chatID uint64) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	key := unreadKey(userID, chatID)

	// 使用Redis INCR命令原子性增加计数
	if err := client.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("增加未读消息计数失败: %w", err)
	}

	// 设置TTL，避免计数无限增长
	if err := client.Expire(ctx, key, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("设置未读消息计数TTL失败: %w", err)
	}

	return nil
}

// GetUnreadCount 获取用户在某会话的未读消息计数
func GetUnreadCount(userID, chatID uint64) (int64, error) {
	if client == nil {
		return 0, fmt.Errorf("redis客户端未初始化")
	}

	count, err := client.Get(ctx, unreadKey(userID, chatID)).Int64()
	if err != nil {
		// key不存在视为0
		return 0, nil
	}
	return count, nil
}

// ResetUnreadCount 清零用户在某会话的未读消息计数
func ResetUnreadCount(userID, chatID uint64) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	return client.Del(ctx, unreadKey(userID, chatID)).Err()
}

// DecrementUnreadCount 减少用户在某会话的未读消息计数
func DecrementUnreadCount(userID, chatID uint64, n int64) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	key := unreadKey(userID, chatID)
	if err := client.DecrBy(ctx, key, n).Err(); err != nil {
		return fmt.Errorf("减少未读消息计数失败: %w", err)
	}

	// 如果计数为0或负数，删除key
	count, err := client.Get(ctx, key).Int64()
	if err == nil && count <= 0 {
		client.Del(ctx, key)
	}

	return nil
}
