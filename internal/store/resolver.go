package store

import (
	"im-client/internal/model"
)

// Resolver 消息身份解析器
// 判断到达的消息/状态事件是否对应存储中已有的记录，纯查找、无副作用
// 匹配优先级：关联标识 > 服务端ID > 同发送者同内容且时间接近的启发式匹配
type Resolver struct {
	s *ChatStore
}

// Match 解析消息身份，无匹配返回 nil（由调用方新建记录）
func (r Resolver) Match(in *model.Message) *model.Message {
	// 1. 关联标识精确匹配
	if in.CorrelationToken != "" {
		if m, ok := r.s.byToken[in.CorrelationToken]; ok {
			return m
		}
	}

	// 2. 服务端ID精确匹配
	if in.ServerID > 0 {
		if m, ok := r.s.byServer[in.ServerID]; ok {
			return m
		}
	}

	// 3. 启发式匹配：精确匹配落空且到达记录不带关联标识时，
	//    在仍处乐观态的记录中按 发送者+内容+时间接近度 回查
	//    （实时回送的本端消息只带服务端ID，靠这一步并入乐观记录；
	//    带未知关联标识的记录是另一条本端消息，不参与启发式）
	if in.CorrelationToken == "" {
		for _, m := range r.s.msgs {
			if m.HasServerID() {
				continue
			}
			if m.SenderID != in.SenderID || m.Content != in.Content {
				continue
			}
			d := m.SentAt.Sub(in.SentAt)
			if d < 0 {
				d = -d
			}
			if d <= r.s.tolerance {
				return m
			}
		}
	}

	return nil
}

// ByToken 按关联标识查找
func (r Resolver) ByToken(token string) *model.Message {
	if token == "" {
		return nil
	}
	return r.s.byToken[token]
}

// ByServerID 按服务端ID查找
func (r Resolver) ByServerID(serverID uint64) *model.Message {
	if serverID == 0 {
		return nil
	}
	return r.s.byServer[serverID]
}
