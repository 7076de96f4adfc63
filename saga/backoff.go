package saga

import (
	"math/rand"
	"time"
)

// backoff 返回第 attempt 次（从 0 开始）乐观并发重试前的抖动等待时间：
// 基数 10ms，指数增长，封顶 200ms，叠加 0-50% 的随机抖动以避免多个
// 重试者同步再次相撞。
func backoff(attempt int) time.Duration {
	const base = 10 * time.Millisecond
	const ceiling = 200 * time.Millisecond

	d := base << uint(attempt)
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}
