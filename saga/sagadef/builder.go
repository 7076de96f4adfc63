// Package sagadef 提供构造 saga.Definition 的链式 Builder，风格借鉴自
// patterns/saga 里 SagaStep 的 WithCompensation/WithOnSuccess 链式方法：
// 每个链式方法修改并返回同一个 Builder 实例，最后 Build() 产出不可变的
// saga.Definition。
package sagadef

import "sagarun/saga"

// Builder 累积一个 Saga 定义的关联规则、初始状态工厂与 handler 表。
//
// 示例：
//
//	def := sagadef.New("OrderFulfillment", func() any { return &OrderState{} }).
//		StartsOn("OrderPlaced", extractOrderID).
//		ContinuesOn("PaymentCaptured", extractOrderID).
//		InitialFactory(newOrderState).
//		Handle("OrderPlaced", onOrderPlaced).
//		Handle("PaymentCaptured", onPaymentCaptured).
//		Build()
type Builder struct {
	name         string
	rules        []saga.CorrelationRule
	initial      saga.InitialFactory
	handlers     map[string][]saga.HandlerEntry
	newUserState func() any
}

// New 开始构造一个名为 name 的定义；newUserState 必须返回指针
// （供反序列化使用）。
func New(name string, newUserState func() any) *Builder {
	return &Builder{
		name:         name,
		handlers:     make(map[string][]saga.HandlerEntry),
		newUserState: newUserState,
	}
}

// StartsOn 注册一条可以新建实例的关联规则。
func (b *Builder) StartsOn(messageType string, extract saga.Extractor) *Builder {
	b.rules = append(b.rules, saga.CorrelationRule{MessageType: messageType, Extract: extract, CanStart: true})
	return b
}

// ContinuesOn 注册一条只能匹配已有实例的关联规则。
func (b *Builder) ContinuesOn(messageType string, extract saga.Extractor) *Builder {
	b.rules = append(b.rules, saga.CorrelationRule{MessageType: messageType, Extract: extract, CanStart: false})
	return b
}

// StartsOnAny 注册一条通配的、可以新建实例的关联规则。
func (b *Builder) StartsOnAny(extract saga.Extractor) *Builder {
	return b.StartsOn(saga.Wildcard, extract)
}

// InitialFactory 注册新实例的初始状态工厂。
func (b *Builder) InitialFactory(factory saga.InitialFactory) *Builder {
	b.initial = factory
	return b
}

// Handle 为某个消息类型追加一个无条件 handler。
func (b *Builder) Handle(messageType string, handler saga.Handler) *Builder {
	return b.HandleIf(messageType, nil, handler)
}

// HandleIf 为某个消息类型追加一个带 guard 的 handler；同一消息类型下可以
// 追加多个候选，注册顺序决定优先级，第一个 guard 通过的胜出。
func (b *Builder) HandleIf(messageType string, guard saga.Guard, handler saga.Handler) *Builder {
	b.handlers[messageType] = append(b.handlers[messageType], saga.HandlerEntry{Guard: guard, Handle: handler})
	return b
}

// Build 产出最终的 saga.Definition；不做校验——校验发生在
// Registry.Register 调用时。规则与 handler 表被复制，之后继续修改
// Builder 不影响已产出的定义。
func (b *Builder) Build() *saga.Definition {
	rules := append([]saga.CorrelationRule(nil), b.rules...)
	handlers := make(map[string][]saga.HandlerEntry, len(b.handlers))
	for msgType, entries := range b.handlers {
		handlers[msgType] = append([]saga.HandlerEntry(nil), entries...)
	}
	return &saga.Definition{
		Name:             b.name,
		CorrelationRules: rules,
		InitialFactory:   b.initial,
		Handlers:         handlers,
		NewUserState:     b.newUserState,
	}
}
