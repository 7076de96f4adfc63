package memtransport

import (
	"context"

	"sagarun/logging"
	"sagarun/saga"
)

// dispatch 把一条出队的信封投递给该端点注册的全部 handler。
//
// 注意：内存传输是异步分发，handler 的返回错误不会传播给发布者——这与
// Orchestrator 的 nack 重投预期不符，所以这个传输适合开发/测试，不建议
// 在需要严格 at-least-once 重投的生产场景里使用。
func (t *Transport) dispatch(ctx context.Context, item queuedEnvelope) {
	t.mu.RLock()
	handlers := append([]saga.TransportHandler(nil), t.handlers[item.endpoint]...)
	t.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, item.msg); err != nil {
			t.logger.Warn(ctx, "handler returned error",
				logging.String("endpoint", item.endpoint),
				logging.String("messageId", item.msg.ID),
				logging.Error(err))
		}
	}
}
