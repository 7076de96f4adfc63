// Package memtransport 提供基于内存队列的 saga.Transport 实现，适用于
// 单机部署、开发环境和测试场景（照搬 messaging/transport/memory 的结构：
// 独立的 transport.go/workers.go/subscription.go/dispatcher.go，外加这里
// 新增的 delay.go 承载 DelayPublisher 能力）。
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"sagarun/logging"
	"sagarun/saga"
)

// Transport 是内存队列版的 saga.Transport：
//   - 基于带缓冲 channel 的异步投递；
//   - Worker 池模式分发；
//   - 额外实现 saga.DelayPublisher（通过 time.AfterFunc），是这个代码库里
//     唯一原生支持延迟发布的传输。
type Transport struct {
	mu          sync.RWMutex
	handlers    map[string][]saga.TransportHandler
	queue       chan queuedEnvelope
	queueSize   int
	workerCount int
	running     bool
	wg          sync.WaitGroup
	logger      logging.ILogger
}

type queuedEnvelope struct {
	endpoint string
	msg      saga.Envelope
}

// New 创建内存传输；queueSize<=0 时用 1000，workerCount<=0 时用 4。
func New(queueSize, workerCount int, logger logging.ILogger) *Transport {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if workerCount <= 0 {
		workerCount = 4
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Transport{
		handlers:    make(map[string][]saga.TransportHandler),
		queue:       make(chan queuedEnvelope, queueSize),
		queueSize:   queueSize,
		workerCount: workerCount,
		logger:      logger.WithField("component", "transport.memory"),
	}
}

func endpointOf(msg saga.Envelope, opts saga.PublishOptions) string {
	if opts.Endpoint != "" {
		return opts.Endpoint
	}
	return msg.Type
}

// Publish 把消息放入队列，由 Worker 池异步分发。
func (t *Transport) Publish(ctx context.Context, msg saga.Envelope, opts saga.PublishOptions) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()

	if !running {
		return fmt.Errorf("memtransport: not running")
	}

	item := queuedEnvelope{endpoint: endpointOf(msg, opts), msg: msg}
	select {
	case t.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("memtransport: queue is full")
	}
}
