package saga

import (
	"context"
	"time"
)

// Transport 是运行时消费的外部传输契约（§6）。
//
// 语义约定：
//   - Publish 返回的 error 只代表“传输层本身”的错误（连接失败、
//     队列已满、未 Start 等）；
//   - Subscribe 注册的 handler 返回 nil 代表 ack，返回非 nil 代表 nack，
//     按传输层自身的重投策略处理——这与 Orchestrator 的 Step 8 对应。
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Subscribe 为一个端点注册 handler；同一端点可重复订阅多个 handler。
	Subscribe(ctx context.Context, opts SubscribeOptions, handler TransportHandler) error

	// Publish 发布一条出站消息。
	Publish(ctx context.Context, msg Envelope, opts PublishOptions) error
}

// SubscribeOptions 描述一次订阅的端点与可选参数。
type SubscribeOptions struct {
	Endpoint        string
	ConsumerGroup   string
	ConcurrencyHint int
}

// TransportHandler 是 Transport 投递消息时调用的回调。
type TransportHandler func(ctx context.Context, msg Envelope) error

// DelayPublisher 是 Transport 可选实现的能力接口：若一个 Transport
// 对某个端点支持原生的延迟/调度发布，它应该实现这个接口。Orchestrator
// 派发 ctx.Schedule 效果时优先走这条路径，否则退回进程内 Scheduler；
// SetTimeout 登记的超时不经过这个接口，总是进入进程内 Scheduler。
type DelayPublisher interface {
	// PublishDelayed 尝试调度一次延迟发布。ok=false 表示该端点不支持
	// 延迟发布（调用方应退回进程内调度），err!=nil 表示尝试失败。
	PublishDelayed(ctx context.Context, msg Envelope, delay time.Duration, opts PublishOptions) (ok bool, err error)
}
