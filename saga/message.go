// Package saga 实现消息关联驱动的 Saga 编排运行时：将跨服务的异步消息
// 关联到持久化的状态机实例，并在进程重启后通过可插拔的 Store 恢复执行。
//
// 包的核心是运行时管道本身——消息到 Saga 的关联、按实例的并发控制与
// 乐观并发重试、handler 执行管道（中间件链、上下文、效果缓冲）、以及
// 超时调度。具体的传输实现（AMQP/Kafka/Redis/NATS/...）与存储实现
// （Postgres/SQLite/Mongo/...）都在子包中，core 只依赖 Transport/Store
// 两个接口契约。
package saga

import "time"

// Envelope 是跨越传输边界的消息单元，发布后不可变。
type Envelope struct {
	ID           string
	Type         string
	Payload      any
	Headers      map[string]string
	Timestamp    time.Time
	PartitionKey string // 可选：排序提示，FIFO 类传输下同 key 的消息顺序投递
}

// Header 读取 header，不存在时返回空字符串。
func (e Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// PublishOptions 描述一次发布/调度的目的地与可选参数。
type PublishOptions struct {
	Endpoint     string
	PartitionKey string
	Delay        time.Duration // 0 表示立即发布；>0 尝试调度（可能不被传输层支持）
	Headers      map[string]string
}

// TimeoutExpiredType 是调度器投递的合成消息类型。
const TimeoutExpiredType = "SagaTimeoutExpired"

// TimeoutExpiredPayload 是 TimeoutExpiredType 消息的载荷。
type TimeoutExpiredPayload struct {
	SagaName      string    `json:"sagaName"`
	CorrelationID string    `json:"correlationId"`
	ScheduledAt   time.Time `json:"scheduledAt"`
}
