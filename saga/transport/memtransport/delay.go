package memtransport

import (
	"context"
	"time"

	"sagarun/saga"
)

// PublishDelayed 实现 saga.DelayPublisher：用 time.AfterFunc 调度一次
// 延迟发布。进程重启会丢失尚未到期的延迟任务——这是内存传输的固有限制，
// 与这个传输本身"不持久化"的定位一致。
func (t *Transport) PublishDelayed(ctx context.Context, msg saga.Envelope, delay time.Duration, opts saga.PublishOptions) (bool, error) {
	if delay <= 0 {
		return true, t.Publish(ctx, msg, opts)
	}
	time.AfterFunc(delay, func() {
		if err := t.Publish(ctx, msg, opts); err != nil {
			t.logger.Warn(ctx, "delayed publish failed")
		}
	})
	return true, nil
}

var _ saga.DelayPublisher = (*Transport)(nil)
var _ saga.Transport = (*Transport)(nil)
