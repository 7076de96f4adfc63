// Package sagamw 提供一组随运行时附带的中间件（panic 恢复、日志），风格
// 借鉴自 messaging/middleware 下的中间件实现（实现 saga.Middleware，
// 无状态、可重复注册）。
package sagamw

import (
	"context"
	"fmt"

	"sagarun/saga"
)

// Recover 捕获 handler 执行期间的 panic，把它转换成
// saga.ErrHandlerFailure，避免单条消息的 panic 打垮整个消费者 goroutine。
// 按惯例应注册为最外层中间件（第一个 bus.WithMiddleware 选项）。
type Recover struct{}

// NewRecover 创建 panic 恢复中间件。
func NewRecover() *Recover { return &Recover{} }

func (m *Recover) Process(ctx context.Context, pctx *saga.PipelineContext, next saga.Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = saga.NewHandlerFailureError(pctx.SagaName, pctx.CorrelationID, pctx.Envelope.Type,
				fmt.Errorf("panic: %v", r))
		}
	}()
	return next(ctx, pctx)
}
