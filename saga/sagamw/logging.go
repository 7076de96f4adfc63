package sagamw

import (
	"context"
	"time"

	"sagarun/logging"
	"sagarun/saga"
)

// Logging 在每次 handler 调用前后打点，记录耗时与成败
// （风格对应 messaging/middleware 里按 Handle 包裹下一环节的方式）。
type Logging struct {
	logger logging.ILogger
}

// NewLogging 创建日志中间件；logger 为 nil 时退回一个新建的 noop 日志。
func NewLogging(logger logging.ILogger) *Logging {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Logging{logger: logger.WithField("component", "saga.middleware.logging")}
}

func (m *Logging) Process(ctx context.Context, pctx *saga.PipelineContext, next saga.Next) error {
	start := time.Now()
	err := next(ctx, pctx)
	fields := []logging.Field{
		logging.String("sagaName", pctx.SagaName),
		logging.String("correlationId", pctx.CorrelationID),
		logging.String("messageType", pctx.Envelope.Type),
		logging.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		m.logger.Error(ctx, "saga handler failed", append(fields, logging.Error(err))...)
	} else {
		m.logger.Debug(ctx, "saga handler succeeded", fields...)
	}
	return err
}
