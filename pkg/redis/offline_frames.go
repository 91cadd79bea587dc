package redis

import (
	"fmt"
	"time"
)

// 离线帧缓存相关常量
// 用户不在线时，本应实时推送的帧暂存于此，上线后按原顺序补推
const (
	OfflineFrameKeyPrefix = "im:offline:" // 离线帧key前缀
	MaxOfflineFrames      = 200           // 每个用户最多暂存的帧数
	OfflineFrameTTL       = 7 * 24 * time.Hour
)

func offlineKey(userID uint64) string {
	return fmt.Sprintf("%s%d", OfflineFrameKeyPrefix, userID)
}

// AddOfflineFrame 暂存一帧（序列化后的JSON）
func AddOfflineFrame(userID uint64, frame []byte) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	key := offlineKey(userID)
	if err := client.RPush(ctx, key, frame).Err(); err != nil {
		return fmt.Errorf("暂存离线帧失败: %w", err)
	}

	// 只保留最新的 MaxOfflineFrames 帧
	if err := client.LTrim(ctx, key, int64(-MaxOfflineFrames), -1).Err(); err != nil {
		return fmt.Errorf("裁剪离线帧失败: %w", err)
	}

	return client.Expire(ctx, key, OfflineFrameTTL).Err()
}

// GetOfflineFrames 取出暂存的帧，按暂存顺序
func GetOfflineFrames(userID uint64, limit int64) ([][]byte, error) {
	if client == nil {
		return nil, fmt.Errorf("redis客户端未初始化")
	}

	vals, err := client.LRange(ctx, offlineKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取离线帧失败: %w", err)
	}

	frames := make([][]byte, len(vals))
	for i, v := range vals {
		frames[i] = []byte(v)
	}
	return frames, nil
}

// ClearOfflineFrames 清空暂存的帧
func ClearOfflineFrames(userID uint64) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	return client.Del(ctx, offlineKey(userID)).Err()
}
