package saga

import "context"

// Extractor 从信封中提取关联 id；返回空字符串表示规则不匹配。
type Extractor func(ctx context.Context, env Envelope) (correlationID string, matched bool)

// CorrelationRule 是一条关联规则：messageType（或通配符 "*"）+ extractor +
// 是否允许据此创建新实例。
type CorrelationRule struct {
	MessageType string // "*" 表示通配符，匹配任意类型
	Extract     Extractor
	CanStart    bool
}

// Wildcard 是通配规则使用的 messageType 值。
const Wildcard = "*"

// InitialFactory 在匹配到 canStart 规则且没有现有实例时调用一次，
// 返回用户状态字段（序列化进 State.Data）。
type InitialFactory func(ctx context.Context, env Envelope) (userState any, err error)

// Guard 是可选的状态守卫谓词：在当前（反序列化后的）用户状态上求值。
type Guard func(ctx context.Context, userState any) bool

// Handler 是用户编写的状态转换函数：(payload, 当前状态, 上下文) -> 新状态。
type Handler func(ctx context.Context, sc *SagaContext, payload any, userState any) (newUserState any, err error)

// HandlerEntry 是同一 messageType 下的一条候选 handler：可选 guard + handler。
// 注册顺序决定优先级：第一个 guard 通过（或无 guard）的 entry 被选中。
type HandlerEntry struct {
	Guard  Guard // 可为 nil，代表无条件匹配
	Handle Handler
}

// Definition 是编译期产物：一个 Saga 类型的关联规则、初始状态工厂与
// handler 表（§3 “Saga Definition”）。
type Definition struct {
	Name             string
	CorrelationRules []CorrelationRule
	InitialFactory   InitialFactory
	Handlers         map[string][]HandlerEntry

	// NewUserState 构造一个零值用户状态指针，供 DecodeInto 反序列化使用。
	// 必须返回指针（例如 func() any { return &OrderState{} }）。
	NewUserState func() any
}

// validate 执行 §4.A 描述的一次性校验；返回 nil 或 *Error(DefinitionInvalid)。
func (d *Definition) validate() error {
	if d.Name == "" {
		return NewDefinitionInvalidError("<empty>", "name must not be empty")
	}
	if len(d.CorrelationRules) == 0 {
		return NewDefinitionInvalidError(d.Name, "at least one correlation rule is required")
	}
	hasCanStart := false
	for _, r := range d.CorrelationRules {
		if r.MessageType == "" {
			return NewDefinitionInvalidError(d.Name, "correlation rule messageType must not be empty (use Wildcard for \"*\")")
		}
		if r.Extract == nil {
			return NewDefinitionInvalidError(d.Name, "correlation rule extractor must not be nil")
		}
		if r.CanStart {
			hasCanStart = true
		}
	}
	if !hasCanStart {
		return NewDefinitionInvalidError(d.Name, "at least one correlation rule must have canStart=true")
	}
	if d.InitialFactory == nil {
		return NewDefinitionInvalidError(d.Name, "initialFactory is required")
	}
	if d.NewUserState == nil {
		return NewDefinitionInvalidError(d.Name, "newUserState factory is required")
	}
	if len(d.Handlers) == 0 {
		return NewDefinitionInvalidError(d.Name, "handler table must be non-empty (or register a SagaTimeoutExpired handler)")
	}
	for msgType, entries := range d.Handlers {
		if len(entries) == 0 {
			return NewDefinitionInvalidError(d.Name, "handler list for "+msgType+" must not be empty")
		}
		for _, e := range entries {
			if e.Handle == nil {
				return NewDefinitionInvalidError(d.Name, "handler function for "+msgType+" must not be nil")
			}
		}
	}
	return nil
}

// resolveCorrelation 按注册顺序求值 CorrelationRules，返回第一条匹配的
// 规则与它抽取出的关联 id（§4.D Step 1）。
func (d *Definition) resolveCorrelation(ctx context.Context, env Envelope) (rule CorrelationRule, correlationID string, matched bool) {
	for _, r := range d.CorrelationRules {
		if r.MessageType != Wildcard && r.MessageType != env.Type {
			continue
		}
		if id, ok := r.Extract(ctx, env); ok && id != "" {
			return r, id, true
		}
	}
	return CorrelationRule{}, "", false
}

// selectHandler 按注册顺序求值 messageType 对应的 handler 列表，返回第一个
// guard 通过（或无 guard）的 entry（§4.D Step 3）。
func (d *Definition) selectHandler(ctx context.Context, messageType string, userState any) (HandlerEntry, bool) {
	entries, ok := d.Handlers[messageType]
	if !ok {
		return HandlerEntry{}, false
	}
	for _, e := range entries {
		if e.Guard == nil || e.Guard(ctx, userState) {
			return e, true
		}
	}
	return HandlerEntry{}, false
}
