package memtransport

import (
	"context"

	"sagarun/saga"
)

// Subscribe 为一个端点注册 handler；同一端点可重复订阅多个 handler，
// 全部会在投递时被调用。
func (t *Transport) Subscribe(ctx context.Context, opts saga.SubscribeOptions, handler saga.TransportHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[opts.Endpoint] = append(t.handlers[opts.Endpoint], handler)
	return nil
}
