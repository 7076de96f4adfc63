package saga

import (
	"context"
	"time"

	"sagarun/logging"
)

// Config 配置 Orchestrator 的运行期行为（§4.D 的重试上限等可调参数）。
type Config struct {
	// MaxCommitRetries 是乐观并发冲突时的最大重试次数（不含首次尝试）。
	// 默认 3。
	MaxCommitRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxCommitRetries <= 0 {
		c.MaxCommitRetries = 3
	}
	return c
}

// EffectDispatchErrorHook 在 Step 7 效果派发失败时被调用；提交本身已经
// 生效，这个钩子只用于观测（日志/告警/死信），不能让运行时回滚。
type EffectDispatchErrorHook func(ctx context.Context, sagaName, sagaID string, err error)

// Orchestrator 是运行时的核心：把一条入站信封变成一次 Saga 状态转换
// （§4.D 的八步事务）。它本身不订阅传输——Bus Facade 负责把
// Transport 投递的消息喂给 Deliver。
type Orchestrator struct {
	registry  *Registry
	defaultGW *storeGateway
	overrides map[string]*storeGateway // sagaName -> 专属 store 网关

	locks       *lockTable
	middlewares []Middleware
	transport   Transport
	scheduler   *Scheduler
	config      Config
	logger      logging.ILogger

	effectErrorHook EffectDispatchErrorHook
}

// NewOrchestrator 组装一个 Orchestrator；defaultStore 用于没有专属绑定的
// Saga 定义。
func NewOrchestrator(registry *Registry, defaultStore Store, transport Transport, scheduler *Scheduler, middlewares []Middleware, config Config, logger logging.ILogger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Orchestrator{
		registry:    registry,
		defaultGW:   newStoreGateway(defaultStore),
		overrides:   make(map[string]*storeGateway),
		locks:       newLockTable(),
		middlewares: middlewares,
		transport:   transport,
		scheduler:   scheduler,
		config:      config.withDefaults(),
		logger:      logger.WithField("component", "saga.orchestrator"),
	}
}

// BindStore 给某个 Saga 定义注册专属的存储后端，覆盖默认 Store。
func (o *Orchestrator) BindStore(sagaName string, store Store) {
	o.overrides[sagaName] = newStoreGateway(store)
}

// SetEffectDispatchErrorHook 注册 Step 7 失败时的观测钩子。
func (o *Orchestrator) SetEffectDispatchErrorHook(hook EffectDispatchErrorHook) {
	o.effectErrorHook = hook
}

func (o *Orchestrator) gatewayFor(sagaName string) *storeGateway {
	if gw, ok := o.overrides[sagaName]; ok {
		return gw
	}
	return o.defaultGW
}

// Deliver 对单条入站信封执行一次完整的 Saga 事务（§4.D 全八步），可能
// 依次驱动多个匹配的定义（一条消息可能被不止一个 Saga 类型关联）。
//
// 返回的 error 非 nil 时，调用方（Bus Facade/Transport 适配器）应按
// 自己的重投策略 nack；nil 表示至少一次完整尝试已确认提交或被判定为
// 预期性丢弃（路由未命中、非 canStart 的新关联）。
func (o *Orchestrator) Deliver(ctx context.Context, env Envelope) error {
	defs := o.registry.DefinitionsFor(env.Type)
	if len(defs) == 0 {
		o.logger.Debug(ctx, "no definition matches message type", logging.String("type", env.Type))
		return nil
	}

	var firstErr error
	for _, def := range defs {
		if err := o.deliverToDefinition(ctx, def, env); err != nil {
			o.logger.Error(ctx, "saga delivery failed", logging.String("sagaName", def.Name), logging.String("type", env.Type), logging.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) deliverToDefinition(ctx context.Context, def *Definition, env Envelope) error {
	// Step 1: 关联解析。
	rule, correlationID, matched := def.resolveCorrelation(ctx, env)
	if !matched {
		return nil // 路由未命中对这个定义而言是预期路径，不是错误
	}

	gw := o.gatewayFor(def.Name)

	// Step 2: 获取 (sagaName, correlationId) 锁，载入现有实例。
	release := o.locks.acquire(def.Name, correlationID)
	defer release()

	existing, err := gw.loadByCorrelation(ctx, def.Name, correlationID)
	if err != nil {
		return err
	}
	if existing == nil && !rule.CanStart {
		o.logger.Debug(ctx, "dropping message: no existing instance and rule is not canStart",
			logging.String("sagaName", def.Name), logging.String("correlationId", correlationID))
		return nil
	}

	for attempt := 0; ; attempt++ {
		committed, postState, effects, completeFlag, err := o.attempt(ctx, def, env, correlationID, existing)
		if err == nil {
			// Step 7: 效果派发（提交已生效，失败不回滚）。
			o.dispatchEffects(ctx, def.Name, postState.SagaID, effects)
			// 这条消息正是当前 timeoutAt 的到期投递、且 handler 没有改动它时不再
			// 重新登记：这个截止时间已经过去，再登记会立即再次触发。
			if p, ok := env.Payload.(TimeoutExpiredPayload); !ok || postState.Metadata.TimeoutAt == nil || !p.ScheduledAt.Equal(*postState.Metadata.TimeoutAt) {
				o.registerTimeout(def.Name, correlationID, postState)
			}
			_ = committed
			_ = completeFlag
			return nil
		}

		if !IsConcurrencyConflict(err) && !IsAlreadyExists(err) {
			return err
		}
		if attempt >= o.config.MaxCommitRetries {
			return NewConcurrencyExhaustedError(def.Name, correlationID, attempt+1, err)
		}

		// 重新载入最新状态后重试（§4.D Step 6 的冲突重试分支）。
		reloaded, reloadErr := gw.loadByCorrelation(ctx, def.Name, correlationID)
		if reloadErr != nil {
			return reloadErr
		}
		existing = reloaded
		if existing == nil && !rule.CanStart {
			return nil
		}

		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attempt 执行一次 Step 3-6：handler 选择、中间件链执行、提交。
// 返回值：committed 是否真的写入了存储、提交后的状态、待派发的效果、
// 是否请求了 Complete。
func (o *Orchestrator) attempt(ctx context.Context, def *Definition, env Envelope, correlationID string, existing *State) (bool, *State, []effect, bool, error) {
	gw := o.gatewayFor(def.Name)

	isNew := existing == nil
	userState := def.NewUserState()
	now := time.Now()

	var baseState *State
	if isNew {
		initial, err := def.InitialFactory(ctx, env)
		if err != nil {
			return false, nil, nil, false, NewHandlerFailureError(def.Name, correlationID, env.Type, err)
		}
		data, encErr := encodeUserState(initial)
		if encErr != nil {
			return false, nil, nil, false, NewHandlerFailureError(def.Name, correlationID, env.Type, encErr)
		}
		baseState = &State{
			SagaName:      def.Name,
			SagaID:        NewSagaID(),
			CorrelationID: correlationID,
			Metadata: Metadata{
				CreatedAt: now,
				UpdatedAt: now,
			},
			Data: data,
		}
		baseState.Metadata.SagaID = baseState.SagaID
		userState = def.NewUserState()
		if err := baseState.DecodeInto(userState); err != nil {
			return false, nil, nil, false, NewHandlerFailureError(def.Name, correlationID, env.Type, err)
		}
	} else {
		baseState = existing
		if err := baseState.DecodeInto(userState); err != nil {
			return false, nil, nil, false, NewHandlerFailureError(def.Name, correlationID, env.Type, err)
		}
	}

	// Step 3: handler 选择。
	entry, ok := def.selectHandler(ctx, env.Type, userState)
	if !ok {
		// 没有匹配的 handler：对新建实例而言这是正常的“仅创建”路径，
		// 直接提交初始状态；对已有实例而言是路由未命中，什么也不做。
		if isNew {
			if err := gw.insert(ctx, baseState); err != nil {
				return false, nil, nil, false, err
			}
			return true, baseState, nil, false, nil
		}
		return false, baseState, nil, false, nil
	}

	pctx := &PipelineContext{
		Envelope:      env,
		SagaName:      def.Name,
		CorrelationID: correlationID,
		SagaID:        baseState.SagaID,
		ExistingState: existing,
		PreState:      existing,
		Metadata:      make(map[string]any),
	}

	sc := newSagaContext(ctx, pctx, baseState.Metadata)

	terminal := func(ctx context.Context, pctx *PipelineContext) error {
		newUserState, err := entry.Handle(ctx, sc, env.Payload, userState)
		if err != nil {
			pctx.Err = NewHandlerFailureError(def.Name, correlationID, env.Type, err)
			return pctx.Err
		}
		userState = newUserState
		return nil
	}

	// Step 4: 中间件链（outside-in，终端动作是 handler 调用）。
	if err := chain(o.middlewares, terminal)(ctx, pctx); err != nil {
		return false, nil, nil, false, err
	}

	// Step 5/6: 构造提交状态并写入。
	post := baseState.Clone()
	if err := post.EncodeFrom(userState); err != nil {
		return false, nil, nil, false, NewHandlerFailureError(def.Name, correlationID, env.Type, err)
	}
	post.Metadata.UpdatedAt = now
	post.Metadata.TimeoutAt = sc.meta.TimeoutAt
	post.Metadata.TimeoutDurationMs = sc.meta.TimeoutDurationMs
	post.Metadata.Annotations = sc.meta.Annotations
	if sc.completeRequested {
		post.Metadata.IsCompleted = true
	}

	if isNew {
		post.Metadata.Version = 0
		if err := gw.insert(ctx, post); err != nil {
			return false, nil, nil, false, err
		}
	} else {
		expected := baseState.Metadata.Version
		post.Metadata.Version = expected + 1
		if err := gw.update(ctx, post, expected); err != nil {
			return false, nil, nil, false, err
		}
	}

	return true, post, sc.effects, sc.completeRequested, nil
}

func encodeUserState(v any) ([]byte, error) {
	st := &State{}
	if err := st.EncodeFrom(v); err != nil {
		return nil, err
	}
	return st.Data, nil
}

// dispatchEffects 播放 Step 5 缓冲的效果（Step 7）。失败不回滚已提交的
// 状态，只上报给观测钩子。
func (o *Orchestrator) dispatchEffects(ctx context.Context, sagaName, sagaID string, effects []effect) {
	for _, eff := range effects {
		var err error
		switch eff.kind {
		case effectPublish:
			if o.transport != nil {
				err = o.transport.Publish(ctx, eff.msg, eff.opts)
			}
		case effectSchedule:
			err = o.dispatchScheduled(ctx, eff)
		}
		if err != nil {
			wrapped := NewEffectDispatchFailureError(sagaName, sagaID, err)
			o.logger.Error(ctx, "effect dispatch failed", logging.String("sagaName", sagaName), logging.String("sagaId", sagaID), logging.Error(wrapped))
			if o.effectErrorHook != nil {
				o.effectErrorHook(ctx, sagaName, sagaID, wrapped)
			}
		}
	}
}

// dispatchScheduled 实现 §4.E 的二选一路径：优先尝试 Transport 的原生
// 延迟发布能力，不支持时退回进程内 Scheduler。
func (o *Orchestrator) dispatchScheduled(ctx context.Context, eff effect) error {
	if dp, ok := o.transport.(DelayPublisher); ok {
		ok2, err := dp.PublishDelayed(ctx, eff.msg, eff.delay, eff.opts)
		if err != nil {
			return err
		}
		if ok2 {
			return nil
		}
	}
	if o.scheduler == nil {
		return ErrTransportFatal
	}
	msg := eff.msg
	opts := eff.opts
	o.scheduler.Enqueue(time.Now().Add(eff.delay), func(ctx context.Context) {
		if o.transport == nil {
			return
		}
		if err := o.transport.Publish(ctx, msg, opts); err != nil {
			o.logger.Error(ctx, "scheduled publish failed", logging.Error(err))
		}
	})
	return nil
}

// SweepTimeouts 在总线启动时为每个已注册定义重建调度器的优先队列：
// 若该定义绑定的 Store 支持 SweepableStore，就把所有未完成、带超时
// 截止时间的实例重新登记进 Scheduler（§4.E 的启动期重建）。
func (o *Orchestrator) SweepTimeouts(ctx context.Context) {
	for _, def := range o.registry.Definitions() {
		gw := o.gatewayFor(def.Name)
		sweepable, ok := gw.store.(SweepableStore)
		if !ok {
			continue
		}
		states, err := sweepable.SweepTimeouts(ctx, def.Name)
		if err != nil {
			o.logger.Warn(ctx, "timeout sweep failed", logging.String("sagaName", def.Name), logging.Error(err))
			continue
		}
		for _, st := range states {
			o.registerTimeout(def.Name, st.CorrelationID, st)
		}
	}
}

// registerTimeout 把提交后状态里的 timeoutAt 登记进调度器（§4.E）。
// TimeoutAt 为 nil 时等价于取消之前的登记。超时总是登记进进程内
// Scheduler，不经过 Transport 的 DelayPublisher（那条路径只用于
// dispatchScheduled 派发的 ctx.Schedule 效果）。
func (o *Orchestrator) registerTimeout(sagaName, correlationID string, post *State) {
	if o.scheduler == nil || post == nil {
		return
	}
	key := lockKey(sagaName, correlationID)
	if post.Metadata.TimeoutAt == nil {
		o.scheduler.CancelTimeout(key)
		return
	}
	at := *post.Metadata.TimeoutAt
	sagaNameCopy, correlationIDCopy := sagaName, correlationID
	o.scheduler.EnqueueTimeout(key, at, func(ctx context.Context) {
		if o.transport == nil {
			return
		}
		env := Envelope{
			ID:        NewMessageID(),
			Type:      TimeoutExpiredType,
			Timestamp: time.Now(),
			Payload: TimeoutExpiredPayload{
				SagaName:      sagaNameCopy,
				CorrelationID: correlationIDCopy,
				ScheduledAt:   at,
			},
		}
		if err := o.Deliver(ctx, env); err != nil {
			o.logger.Error(ctx, "timeout delivery failed", logging.String("sagaName", sagaNameCopy), logging.String("correlationId", correlationIDCopy), logging.Error(err))
		}
	})
}
