package saga

import "context"

// Next 是中间件链中下一环节的调用句柄。
type Next func(ctx context.Context, pctx *PipelineContext) error

// Middleware 包裹终端 handler 调用；义务：(1) 必须且只能调用一次 next，
// 除非有意短路（例如幂等跳过）；(2) next 抛出的错误默认向外传播，除非
// 中间件主动翻译它。
type Middleware interface {
	Process(ctx context.Context, pctx *PipelineContext, next Next) error
}

// MiddlewareFunc 让普通函数满足 Middleware 接口。
type MiddlewareFunc func(ctx context.Context, pctx *PipelineContext, next Next) error

func (f MiddlewareFunc) Process(ctx context.Context, pctx *PipelineContext, next Next) error {
	return f(ctx, pctx, next)
}

// chain 按“外层优先”的顺序把中间件折叠成单个 Next（Orchestrator 在每次
// 处理尝试里调用一次），
// 与 messaging.MessageBus.executeMiddlewares 的做法一致：列表中第一个
// 中间件是最外层包装，终端动作是 Orchestrator 的 handler 执行步骤。
func chain(middlewares []Middleware, terminal Next) Next {
	next := terminal
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		current := next
		next = func(ctx context.Context, pctx *PipelineContext) error {
			return mw.Process(ctx, pctx, current)
		}
	}
	return next
}
