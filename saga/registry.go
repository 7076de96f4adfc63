package saga

import "sync"

// Registry 持有已编译、已校验的 Saga 定义，并维护一个
// messageType -> 相关定义 的索引，供 Bus Facade 计算订阅集合使用
// （§4.A）。
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]*Definition
	byMsgType map[string][]*Definition
}

// NewRegistry 创建空的定义注册表。
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*Definition),
		byMsgType: make(map[string][]*Definition),
	}
}

// Register 校验并注册一个定义；名称必须唯一。
func (r *Registry) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return NewDefinitionInvalidError(def.Name, "a definition with this name is already registered")
	}
	r.byName[def.Name] = def

	seen := make(map[string]bool)
	for _, rule := range def.CorrelationRules {
		if seen[rule.MessageType] {
			continue
		}
		seen[rule.MessageType] = true
		r.byMsgType[rule.MessageType] = append(r.byMsgType[rule.MessageType], def)
	}
	for msgType := range def.Handlers {
		if seen[msgType] {
			continue
		}
		seen[msgType] = true
		r.byMsgType[msgType] = append(r.byMsgType[msgType], def)
	}
	// SagaTimeoutExpired 与其他类型一样：定义声明了对应 handler 时已在上面
	// 的循环里加入索引；要关联到实例，仍需一条匹配该类型或通配的关联规则。
	return nil
}

// Lookup 按名称查找定义。
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Definitions 返回所有已注册定义（用于内省/CLI）。
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	return out
}

// DefinitionsFor 返回可能处理某个 messageType 的定义集合（关联规则命中
// 或通配符命中，包含 canStart 与否都在内——真正是否新建实例由
// Orchestrator 在 Step 2 决定）。
func (r *Registry) DefinitionsFor(messageType string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	direct := r.byMsgType[messageType]
	wild := r.byMsgType[Wildcard]
	if len(wild) == 0 {
		out := make([]*Definition, len(direct))
		copy(out, direct)
		return out
	}
	seen := make(map[string]bool, len(direct)+len(wild))
	out := make([]*Definition, 0, len(direct)+len(wild))
	for _, d := range direct {
		if !seen[d.Name] {
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	for _, d := range wild {
		if !seen[d.Name] {
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	return out
}

// HandledTypes 返回所有至少被一个定义处理（或关联）的消息类型，Bus
// Facade 用它计算需要订阅的端点集合。
func (r *Registry) HandledTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byMsgType))
	for t := range r.byMsgType {
		out = append(out, t)
	}
	return out
}
