package redis

import (
	"fmt"
	"time"
)

// 在线状态相关常量
const (
	PresenceKeyPrefix = "im:presence:" // 在线状态key前缀
	PresenceTTL       = 5 * time.Minute
)

func presenceKey(userID uint64) string {
	return fmt.Sprintf("%s%d", PresenceKeyPrefix, userID)
}

// SetUserPresence 设置用户在线状态
func SetUserPresence(userID uint64, status string) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	if status == "offline" {
		return client.Del(ctx, presenceKey(userID)).Err()
	}
	return client.Set(ctx, presenceKey(userID), status, PresenceTTL).Err()
}

// RefreshUserPresence 刷新在线状态TTL（心跳）
func RefreshUserPresence(userID uint64) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	return client.Expire(ctx, presenceKey(userID), PresenceTTL).Err()
}

// IsUserOnline 用户是否在线
func IsUserOnline(userID uint64) (bool, error) {
	if client == nil {
		return false, fmt.Errorf("redis客户端未初始化")
	}

	n, err := client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
