package model

// DeliveryStatus 消息投递状态
// Sending < Sent < Delivered < Read 按序单调推进
// Failed 为旁路状态：仅能从 Sending/Sent 进入，进入后即为终态
type DeliveryStatus int

const (
	StatusSending   DeliveryStatus = iota // 本地已创建，尚未得到任何确认
	StatusSent                            // 服务端已接收
	StatusDelivered                       // 已送达对端
	StatusRead                            // 对端已读
	StatusFailed                          // 两条通道均发送失败
)

// String 状态的线上编码
func (s DeliveryStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus 解析线上状态编码
// 未知编码返回 StatusSent（服务端推送的消息至少是已接收状态）
func ParseStatus(s string) DeliveryStatus {
	switch s {
	case "sending":
		return StatusSending
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "read":
		return StatusRead
	case "failed":
		return StatusFailed
	default:
		return StatusSent
	}
}

// ApplyStatus 状态合并规则
// Failed 为终态；其余状态单调取最大值，乱序到达的旧状态不会回退
func ApplyStatus(current, incoming DeliveryStatus) DeliveryStatus {
	if current == StatusFailed {
		return StatusFailed
	}
	if incoming == StatusFailed {
		// 只有尚未送达的消息才能进入失败态
		if current <= StatusSent {
			return StatusFailed
		}
		return current
	}
	if incoming > current {
		return incoming
	}
	return current
}
