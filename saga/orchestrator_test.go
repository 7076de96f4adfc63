package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inMemoryStore 是一个不导入 store/memstore（避免循环导入）、但行为
// 与它等价的最小并发安全内存 Store，专供核心包的测试使用。
type inMemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*State
	byCor map[string]string
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{byID: make(map[string]*State), byCor: make(map[string]string)}
}

func (s *inMemoryStore) LoadByCorrelation(ctx context.Context, sagaName, correlationID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCor[sagaName+"\x00"+correlationID]
	if !ok {
		return nil, nil
	}
	return s.byID[id].Clone(), nil
}

func (s *inMemoryStore) LoadByID(ctx context.Context, sagaName, sagaID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[sagaID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *inMemoryStore) Insert(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[state.SagaID]; exists {
		return ErrAlreadyExists
	}
	ck := state.SagaName + "\x00" + state.CorrelationID
	if existing, exists := s.byCor[ck]; exists && existing != state.SagaID {
		return ErrAlreadyExists
	}
	s.byID[state.SagaID] = state.Clone()
	s.byCor[ck] = state.SagaID
	return nil
}

func (s *inMemoryStore) Update(ctx context.Context, state *State, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[state.SagaID]
	if !ok {
		return ErrNotFound
	}
	if current.Metadata.Version != expectedVersion {
		return NewConcurrencyConflictError(state.SagaName, state.SagaID, expectedVersion, current.Metadata.Version)
	}
	s.byID[state.SagaID] = state.Clone()
	return nil
}

func (s *inMemoryStore) Delete(ctx context.Context, sagaName, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, sagaID)
	return nil
}

var _ Store = (*inMemoryStore)(nil)

// fakeTransport 记录所有发布的消息，可选地把它们同步转发给已订阅的
// handler（模拟 synctransport 的行为），供测试断言效果派发。
type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string][]TransportHandler
	deliver   bool
	published []Envelope
}

func newFakeTransport(deliver bool) *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]TransportHandler), deliver: deliver}
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop(ctx context.Context) error  { return nil }
func (f *fakeTransport) Subscribe(ctx context.Context, opts SubscribeOptions, handler TransportHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[opts.Endpoint] = append(f.handlers[opts.Endpoint], handler)
	return nil
}
func (f *fakeTransport) Publish(ctx context.Context, msg Envelope, opts PublishOptions) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = msg.Type
	}
	handlers := append([]TransportHandler{}, f.handlers[endpoint]...)
	deliver := f.deliver
	f.mu.Unlock()

	if !deliver {
		return nil
	}
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

var _ Transport = (*fakeTransport)(nil)

type orderPayload struct {
	OrderID string
	Amount  int
}

type shippedPayload struct {
	OrderID string
}

type orderUserState struct {
	Status string `json:"status"`
	Amount int    `json:"amount"`
}

func newOrderDefinition() *Definition {
	return &Definition{
		Name: "order",
		CorrelationRules: []CorrelationRule{
			{MessageType: "OrderPlaced", CanStart: true, Extract: func(ctx context.Context, env Envelope) (string, bool) {
				p, ok := env.Payload.(orderPayload)
				return p.OrderID, ok
			}},
			{MessageType: "OrderShipped", CanStart: false, Extract: func(ctx context.Context, env Envelope) (string, bool) {
				p, ok := env.Payload.(shippedPayload)
				return p.OrderID, ok
			}},
		},
		InitialFactory: func(ctx context.Context, env Envelope) (any, error) {
			p := env.Payload.(orderPayload)
			return &orderUserState{Status: "placed", Amount: p.Amount}, nil
		},
		NewUserState: func() any { return &orderUserState{} },
		Handlers: map[string][]HandlerEntry{
			"OrderPlaced": {{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
				sc.Publish(Envelope{Type: "OrderConfirmed"}, PublishOptions{})
				return userState, nil
			}}},
			"OrderShipped": {{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
				s := userState.(*orderUserState)
				s.Status = "shipped"
				sc.Complete()
				return s, nil
			}}},
		},
	}
}

// timeoutExpiredCorrelationRule 让测试用定义也能关联合成的
// SagaTimeoutExpired 消息；生产定义通常按同样方式声明这条规则。
func timeoutExpiredCorrelationRule() CorrelationRule {
	return CorrelationRule{
		MessageType: TimeoutExpiredType,
		CanStart:    false,
		Extract: func(ctx context.Context, env Envelope) (string, bool) {
			p, ok := env.Payload.(TimeoutExpiredPayload)
			return p.CorrelationID, ok
		},
	}
}

func newTestOrchestrator(store Store, transport Transport, middlewares ...Middleware) *Orchestrator {
	return NewOrchestrator(newRegistryWith(newOrderDefinition()), store, transport, nil, middlewares, Config{}, nil)
}

// newRegistryWith 是测试专用的小助手：注册一个定义并返回 registry。
func newRegistryWith(defs ...*Definition) *Registry {
	r := NewRegistry()
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

func TestOrchestrator_Deliver_CreatesNewInstanceOnCanStartRule(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)
	orch := newTestOrchestrator(store, transport)

	err := orch.Deliver(context.Background(), Envelope{Type: "OrderPlaced", Payload: orderPayload{OrderID: "o-1", Amount: 10}})
	require.NoError(t, err)

	st, err := store.LoadByCorrelation(context.Background(), "order", "o-1")
	require.NoError(t, err)
	require.NotNil(t, st)

	var us orderUserState
	require.NoError(t, st.DecodeInto(&us))
	assert.Equal(t, "placed", us.Status)
	assert.Equal(t, uint64(0), st.Metadata.Version)
}

func TestOrchestrator_Deliver_DropsNonCanStartMessageWithoutExistingInstance(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)
	orch := newTestOrchestrator(store, transport)

	err := orch.Deliver(context.Background(), Envelope{Type: "OrderShipped", Payload: shippedPayload{OrderID: "o-missing"}})
	require.NoError(t, err, "dropping an unmatched non-start message is not an error")

	st, err := store.LoadByCorrelation(context.Background(), "order", "o-missing")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestOrchestrator_Deliver_ContinuesExistingInstanceAndCompletes(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)
	orch := newTestOrchestrator(store, transport)
	ctx := context.Background()

	require.NoError(t, orch.Deliver(ctx, Envelope{Type: "OrderPlaced", Payload: orderPayload{OrderID: "o-1", Amount: 10}}))
	require.NoError(t, orch.Deliver(ctx, Envelope{Type: "OrderShipped", Payload: shippedPayload{OrderID: "o-1"}}))

	st, err := store.LoadByCorrelation(ctx, "order", "o-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Metadata.IsCompleted)
	assert.Equal(t, uint64(1), st.Metadata.Version)

	var us orderUserState
	require.NoError(t, st.DecodeInto(&us))
	assert.Equal(t, "shipped", us.Status)
}

func TestOrchestrator_Deliver_UnmatchedMessageTypeIsNotAnError(t *testing.T) {
	store := newInMemoryStore()
	orch := newTestOrchestrator(store, newFakeTransport(false))
	err := orch.Deliver(context.Background(), Envelope{Type: "SomethingElse"})
	assert.NoError(t, err)
}

// 效果只在提交成功后才被派发（Step 7），这里验证 OrderPlaced 触发的
// Publish("OrderConfirmed") 确实经由 transport 发出。
func TestOrchestrator_Deliver_DispatchesBufferedEffectsAfterCommit(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)
	orch := newTestOrchestrator(store, transport)

	require.NoError(t, orch.Deliver(context.Background(), Envelope{Type: "OrderPlaced", Payload: orderPayload{OrderID: "o-1", Amount: 10}}))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.published, 1)
	assert.Equal(t, "OrderConfirmed", transport.published[0].Type)
}

// 中间件必须按外层优先的顺序包裹 handler 调用。
func TestOrchestrator_Deliver_RunsMiddlewareAroundHandler(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)

	var trace []string
	mw := MiddlewareFunc(func(ctx context.Context, pctx *PipelineContext, next Next) error {
		trace = append(trace, "before")
		err := next(ctx, pctx)
		trace = append(trace, "after")
		return err
	})

	orch := newTestOrchestrator(store, transport, mw)
	require.NoError(t, orch.Deliver(context.Background(), Envelope{Type: "OrderPlaced", Payload: orderPayload{OrderID: "o-1", Amount: 10}}))

	assert.Equal(t, []string{"before", "after"}, trace)
}

// handler 返回错误时应包装为 HandlerFailure，且不提交状态。
func TestOrchestrator_Deliver_HandlerErrorIsWrappedAndStateNotCommitted(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)

	boom := errors.New("handler exploded")
	def := newOrderDefinition()
	def.Handlers["OrderPlaced"] = []HandlerEntry{{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
		return nil, boom
	}}}

	orch := NewOrchestrator(newRegistryWith(def), store, transport, nil, nil, Config{}, nil)
	err := orch.Deliver(context.Background(), Envelope{Type: "OrderPlaced", Payload: orderPayload{OrderID: "o-1", Amount: 10}})
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeHandlerFailure, se.Code())

	st, loadErr := store.LoadByCorrelation(context.Background(), "order", "o-1")
	require.NoError(t, loadErr)
	assert.Nil(t, st, "a failed handler invocation must not leave behind a partially committed instance")
}

// 并发冲突在重试预算内会自动重试并最终成功。
func TestOrchestrator_Deliver_RetriesOnConcurrencyConflictThenSucceeds(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)

	var attempts int32
	def := newOrderDefinition()
	def.Handlers["OrderShipped"] = []HandlerEntry{{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		// 第一次调用时人为制造一次版本冲突，模拟被别的写者抢先提交。
		if n == 1 {
			st, _ := store.LoadByID(context.Background(), "order", sc.SagaID())
			st.Metadata.Version++
			store.mu.Lock()
			store.byID[st.SagaID] = st
			store.mu.Unlock()
		}
		s := userState.(*orderUserState)
		s.Status = "shipped"
		return s, nil
	}}}

	orch := NewOrchestrator(newRegistryWith(def), store, transport, nil, nil, Config{MaxCommitRetries: 3}, nil)
	ctx := context.Background()
	require.NoError(t, orch.Deliver(ctx, Envelope{Type: "OrderPlaced", Payload: orderPayload{OrderID: "o-1", Amount: 10}}))
	err := orch.Deliver(ctx, Envelope{Type: "OrderShipped", Payload: shippedPayload{OrderID: "o-1"}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

// 超过重试预算后返回 ConcurrencyExhausted。
func TestOrchestrator_Deliver_ExhaustsRetriesUnderPersistentConflict(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)

	def := newOrderDefinition()
	def.Handlers["OrderShipped"] = []HandlerEntry{{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
		// 每次都抢先把版本号往前拨，保证每次提交都冲突。
		st, _ := store.LoadByID(context.Background(), "order", sc.SagaID())
		st.Metadata.Version++
		store.mu.Lock()
		store.byID[st.SagaID] = st
		store.mu.Unlock()
		s := userState.(*orderUserState)
		s.Status = "shipped"
		return s, nil
	}}}

	orch := NewOrchestrator(newRegistryWith(def), store, transport, nil, nil, Config{MaxCommitRetries: 2}, nil)
	ctx := context.Background()
	require.NoError(t, orch.Deliver(ctx, Envelope{Type: "OrderPlaced", Payload: orderPayload{OrderID: "o-1", Amount: 10}}))
	err := orch.Deliver(ctx, Envelope{Type: "OrderShipped", Payload: shippedPayload{OrderID: "o-1"}})
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeConcurrencyExhausted, se.Code())
}

// SetTimeout 注册的到期任务最终会通过 Scheduler 以合成的
// SagaTimeoutExpired 消息重新投递给 Orchestrator。
func TestOrchestrator_SetTimeout_DeliversSyntheticTimeoutExpired(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)

	def := newOrderDefinition()
	def.CorrelationRules = append(def.CorrelationRules, timeoutExpiredCorrelationRule())
	timeoutFired := make(chan struct{})
	def.Handlers[TimeoutExpiredType] = []HandlerEntry{{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
		close(timeoutFired)
		return userState, nil
	}}}
	def.Handlers["OrderPlaced"] = []HandlerEntry{{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
		sc.SetTimeout(20 * time.Millisecond)
		return userState, nil
	}}}

	scheduler := NewScheduler(nil)
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	orch := NewOrchestrator(newRegistryWith(def), store, transport, scheduler, nil, Config{}, nil)
	require.NoError(t, orch.Deliver(context.Background(), Envelope{Type: "OrderPlaced", Payload: orderPayload{OrderID: "o-1", Amount: 10}}))

	select {
	case <-timeoutFired:
	case <-time.After(time.Second):
		t.Fatal("expected SagaTimeoutExpired to be delivered after the configured delay")
	}
}

// ClearTimeout 必须取消之前登记的超时，让它不会被投递。
func TestOrchestrator_ClearTimeout_CancelsScheduledExpiry(t *testing.T) {
	store := newInMemoryStore()
	transport := newFakeTransport(false)

	def := newOrderDefinition()
	def.CorrelationRules = append(def.CorrelationRules, timeoutExpiredCorrelationRule())
	timeoutFired := make(chan struct{}, 1)
	def.Handlers[TimeoutExpiredType] = []HandlerEntry{{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
		timeoutFired <- struct{}{}
		return userState, nil
	}}}
	def.Handlers["OrderPlaced"] = []HandlerEntry{{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
		sc.SetTimeout(15 * time.Millisecond)
		return userState, nil
	}}}
	def.Handlers["OrderShipped"] = []HandlerEntry{{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
		sc.ClearTimeout()
		return userState, nil
	}}}

	scheduler := NewScheduler(nil)
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	orch := NewOrchestrator(newRegistryWith(def), store, transport, scheduler, nil, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, orch.Deliver(ctx, Envelope{Type: "OrderPlaced", Payload: orderPayload{OrderID: "o-1", Amount: 10}}))
	require.NoError(t, orch.Deliver(ctx, Envelope{Type: "OrderShipped", Payload: shippedPayload{OrderID: "o-1"}}))

	select {
	case <-timeoutFired:
		t.Fatal("cleared timeout must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

// SweepTimeouts 在总线重启后重建调度器：未完成且带超时的实例应被重新登记。
func TestOrchestrator_SweepTimeouts_ReregistersUnfinishedInstances(t *testing.T) {
	sweepStore := newSweepableFakeStore()
	transport := newFakeTransport(false)

	def := newOrderDefinition()
	def.CorrelationRules = append(def.CorrelationRules, timeoutExpiredCorrelationRule())
	fired := make(chan struct{})
	def.Handlers[TimeoutExpiredType] = []HandlerEntry{{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
		close(fired)
		return userState, nil
	}}}

	at := time.Now().Add(20 * time.Millisecond)
	seeded := &State{
		SagaName: "order", SagaID: "s-1", CorrelationID: "o-1",
		Metadata: Metadata{TimeoutAt: &at},
		Data:     []byte(`{}`),
	}
	require.NoError(t, sweepStore.Insert(context.Background(), seeded))
	sweepStore.states = []*State{seeded}

	scheduler := NewScheduler(nil)
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	orch := NewOrchestrator(newRegistryWith(def), sweepStore, transport, scheduler, nil, Config{}, nil)
	orch.SweepTimeouts(context.Background())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("swept timeout should have been re-registered and fired")
	}
}

// sweepableFakeStore 组合了 inMemoryStore 的行为与一个预置的 SweepTimeouts
// 返回值，用于驱动启动期重建场景而不必先走完整的 Deliver 流程。
type sweepableFakeStore struct {
	*inMemoryStore
	states []*State
}

func newSweepableFakeStore() *sweepableFakeStore {
	return &sweepableFakeStore{inMemoryStore: newInMemoryStore()}
}

func (s *sweepableFakeStore) SweepTimeouts(ctx context.Context, sagaName string) ([]*State, error) {
	return s.states, nil
}

var _ SweepableStore = (*sweepableFakeStore)(nil)
