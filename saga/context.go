package saga

import (
	"context"
	"time"
)

// effect 是一条被缓冲的副作用，直到 Step 6 提交成功才会在 Step 7 被播放。
type effect struct {
	kind  effectKind
	msg   Envelope
	opts  PublishOptions
	delay time.Duration
}

type effectKind int

const (
	effectPublish effectKind = iota
	effectSchedule
)

// PipelineContext 是每条消息对中间件可见的字段集合（§4.C）。
type PipelineContext struct {
	Envelope      Envelope
	SagaName      string
	CorrelationID string
	SagaID        string // 载入后才有效；新建实例前为空
	ExistingState *State // 载入时的状态快照，可为 nil（新建实例）
	PreState      *State // ExistingState 的别名：Step 2 载入的状态，新建实例时为 nil
	PostState     *State // Orchestrator 不填充此字段，中间件看到的始终是 nil
	HandlerResult *State // 与 PostState 相同：Orchestrator 不填充，始终为 nil
	Metadata      map[string]any
	Err           error
}

// SagaContext 是 handler 可调用的操作面（§4.D "SagaContext operations"）。
type SagaContext struct {
	ctx     context.Context
	pctx    *PipelineContext
	meta    Metadata // 工作副本，handler 通过 SetMetadata/SetTimeout 等修改它
	effects []effect

	completeRequested bool
}

func newSagaContext(ctx context.Context, pctx *PipelineContext, meta Metadata) *SagaContext {
	return &SagaContext{ctx: ctx, pctx: pctx, meta: meta.clone()}
}

// SagaName 只读访问器。
func (sc *SagaContext) SagaName() string { return sc.pctx.SagaName }

// SagaID 只读访问器。
func (sc *SagaContext) SagaID() string { return sc.pctx.SagaID }

// CorrelationID 只读访问器。
func (sc *SagaContext) CorrelationID() string { return sc.pctx.CorrelationID }

// Envelope 只读访问器，返回触发本次调用的信封。
func (sc *SagaContext) Envelope() Envelope { return sc.pctx.Envelope }

// Publish 缓冲一次出站发布；直到提交成功才会真正发送（Step 5/7）。
func (sc *SagaContext) Publish(msg Envelope, opts PublishOptions) {
	sc.effects = append(sc.effects, effect{kind: effectPublish, msg: msg, opts: opts})
}

// Schedule 缓冲一次延迟发布；delay<=0 等价于立即发布（§8 边界行为）。
func (sc *SagaContext) Schedule(msg Envelope, delay time.Duration, opts PublishOptions) {
	if delay <= 0 {
		sc.Publish(msg, opts)
		return
	}
	sc.effects = append(sc.effects, effect{kind: effectSchedule, msg: msg, opts: opts, delay: delay})
}

// Complete 标记本次提交后 isCompleted=true。
func (sc *SagaContext) Complete() { sc.completeRequested = true }

// SetTimeout 注册一个相对当前时刻的超时；多次调用以最后一次为准。
func (sc *SagaContext) SetTimeout(delay time.Duration) {
	t := time.Now().Add(delay)
	sc.meta.TimeoutAt = &t
	sc.meta.TimeoutDurationMs = delay.Milliseconds()
}

// ClearTimeout 显式清除超时。
func (sc *SagaContext) ClearTimeout() {
	sc.meta.TimeoutAt = nil
	sc.meta.TimeoutDurationMs = 0
}

// GetTimeoutRemaining 返回距离超时还剩多久；未设置超时时 ok=false。
func (sc *SagaContext) GetTimeoutRemaining() (remaining time.Duration, ok bool) {
	if sc.meta.TimeoutAt == nil {
		return 0, false
	}
	return time.Until(*sc.meta.TimeoutAt), true
}

// SetMetadata 在元数据的自由标注包中写入一个键值对。
func (sc *SagaContext) SetMetadata(key, value string) {
	if sc.meta.Annotations == nil {
		sc.meta.Annotations = make(map[string]string)
	}
	sc.meta.Annotations[key] = value
}

// GetMetadata 读取自由标注包中的一个键。
func (sc *SagaContext) GetMetadata(key string) (string, bool) {
	if sc.meta.Annotations == nil {
		return "", false
	}
	v, ok := sc.meta.Annotations[key]
	return v, ok
}
