// Package bus 把 Registry、Orchestrator、Transport、Scheduler 组装成一个
// 可启动/可停止的运行时门面（对应 messaging.MessageBus 在这个领域里的
// 等价物：调用方只需要 Register 定义、Start、然后让消息自己流动）。
package bus

import (
	"context"
	"sync"

	"sagarun/logging"
	"sagarun/saga"
)

// Option 配置 Bus 组装期的可选参数。
type Option func(*Bus)

// WithMiddleware 追加一个中间件；注册顺序即外层优先顺序。
func WithMiddleware(mw saga.Middleware) Option {
	return func(b *Bus) { b.middlewares = append(b.middlewares, mw) }
}

// WithConfig 覆盖 Orchestrator 的运行期配置（重试次数等）。
func WithConfig(cfg saga.Config) Option {
	return func(b *Bus) { b.config = cfg }
}

// WithLogger 覆盖默认的 noop 日志实现。
func WithLogger(logger logging.ILogger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithScheduler 注入一个预先构造的 Scheduler（通常只在测试里需要）。
func WithScheduler(s *saga.Scheduler) Option {
	return func(b *Bus) { b.scheduler = s }
}

// Bus 是运行时的组合根：持有一个 Registry、一个 Orchestrator、底层
// Transport 与 Scheduler。同一个 Bus 实例在整个进程生命周期内只
// Start 一次。
type Bus struct {
	mu      sync.Mutex
	started bool

	registry     *saga.Registry
	orchestrator *saga.Orchestrator
	transport    saga.Transport
	scheduler    *saga.Scheduler
	middlewares  []saga.Middleware
	config       saga.Config
	logger       logging.ILogger
	defaultStore saga.Store
}

// New 组装一个尚未启动的 Bus；transport 与 defaultStore 是必需的，
// registry 为空时会内部创建一个。
func New(transport saga.Transport, defaultStore saga.Store, registry *saga.Registry, opts ...Option) *Bus {
	if registry == nil {
		registry = saga.NewRegistry()
	}
	b := &Bus{
		registry:     registry,
		transport:    transport,
		defaultStore: defaultStore,
		logger:       logging.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithField("component", "saga.bus")
	if b.scheduler == nil {
		b.scheduler = saga.NewScheduler(b.logger)
	}
	b.orchestrator = saga.NewOrchestrator(b.registry, b.defaultStore, b.transport, b.scheduler, b.middlewares, b.config, b.logger)
	return b
}

// Register 编译并注册一个 Saga 定义；必须在 Start 之前调用完所有定义，
// Start 只在那一刻计算需要订阅的端点集合。
func (b *Bus) Register(def *saga.Definition) error {
	return b.registry.Register(def)
}

// BindStore 为某个 Saga 定义注册专属存储后端，覆盖默认 Store。
func (b *Bus) BindStore(sagaName string, store saga.Store) {
	b.orchestrator.BindStore(sagaName, store)
}

// SetEffectDispatchErrorHook 注册 Step 7 效果派发失败时的观测钩子。
func (b *Bus) SetEffectDispatchErrorHook(hook saga.EffectDispatchErrorHook) {
	b.orchestrator.SetEffectDispatchErrorHook(hook)
}

// GetTransport 返回底层传输实现，供组件探测同步/异步语义
// （与 messaging.MessageBus.GetTransport 同样的用途）。
func (b *Bus) GetTransport() saga.Transport {
	return b.transport
}

// Registry 返回底层定义注册表，供内省/CLI 使用。
func (b *Bus) Registry() *saga.Registry {
	return b.registry
}

// Start 启动 transport 与 scheduler，并订阅 Registry 里已注册定义涉及的
// 全部消息类型。
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	if err := b.transport.Start(ctx); err != nil {
		return err
	}
	b.scheduler.Start(ctx)
	b.sweepTimeouts(ctx)

	for _, msgType := range b.registry.HandledTypes() {
		endpoint := msgType
		err := b.transport.Subscribe(ctx, saga.SubscribeOptions{Endpoint: endpoint}, func(ctx context.Context, msg saga.Envelope) error {
			return b.orchestrator.Deliver(ctx, msg)
		})
		if err != nil {
			return err
		}
	}

	b.started = true
	b.logger.Info(ctx, "saga bus started", logging.Int("subscribedTypes", len(b.registry.HandledTypes())))
	return nil
}

func (b *Bus) sweepTimeouts(ctx context.Context) {
	b.orchestrator.SweepTimeouts(ctx)
}

// Stop 停止 scheduler 与 transport；幂等。
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.scheduler.Stop()
	err := b.transport.Stop(ctx)
	b.started = false
	return err
}
