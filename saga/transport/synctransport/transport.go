// Package synctransport 实现一个同步的 saga.Transport：Publish 在调用者的
// goroutine 里直接依次调用所有匹配端点的 handler，不经过队列或网络。
// 照搬自 messaging/transport/sync 的 SyncTransport——包括“没有 handler
// 不算错误”“多个 handler 的错误用 errors.Join 合并”这两条语义——只是把
// 消息类型换成 Envelope 端点，并去掉按 handler 引用取消订阅（Transport
// 接口本身没有 Unsubscribe）。
//
// 用于测试：同步投递让断言可以在 Publish 返回之后立即检查结果，不需要
// 轮询或 sleep。
package synctransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sagarun/saga"
)

// Transport 是同步的内存传输：Publish 直接在调用者的 goroutine 里
// 依次调用所有已订阅该端点的 handler。
type Transport struct {
	mu       sync.RWMutex
	handlers map[string][]saga.TransportHandler
	running  bool
}

// New 创建一个尚未启动的同步传输。
func New() *Transport {
	return &Transport{handlers: make(map[string][]saga.TransportHandler)}
}

func (t *Transport) endpointOf(msg saga.Envelope, opts saga.PublishOptions) string {
	if opts.Endpoint != "" {
		return opts.Endpoint
	}
	return msg.Type
}

// Publish 同步调用所有匹配端点的 handler；没有 handler 不是错误。
func (t *Transport) Publish(ctx context.Context, msg saga.Envelope, opts saga.PublishOptions) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return fmt.Errorf("synctransport: not running")
	}
	endpoint := t.endpointOf(msg, opts)
	handlers := make([]saga.TransportHandler, len(t.handlers[endpoint]))
	copy(handlers, t.handlers[endpoint])
	t.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("synctransport: %d of %d handlers failed: %w", len(errs), len(handlers), errors.Join(errs...))
	}
	return nil
}

// Subscribe 为一个端点追加一个 handler。
func (t *Transport) Subscribe(ctx context.Context, opts saga.SubscribeOptions, handler saga.TransportHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[opts.Endpoint] = append(t.handlers[opts.Endpoint], handler)
	return nil
}

// Start 标记传输为运行中；重复 Start 返回错误。
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("synctransport: already running")
	}
	t.running = true
	return nil
}

// Stop 标记传输为停止；对未运行的传输是幂等的。
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	return nil
}

var _ saga.Transport = (*Transport)(nil)
