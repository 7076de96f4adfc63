package saga

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"sagarun/logging"
)

// schedulerJob 是调度队列中的一项：到期时间 + 要执行的动作。
type schedulerJob struct {
	at         time.Time
	seq        uint64 // 入队顺序，打破相同 at 值的平局，保证堆序确定
	run        func(ctx context.Context)
	timeoutKey string // 非空表示这是一个“超时”类任务，受 supersede 语义约束
}

// jobHeap 是按 at 升序排列的最小堆。
type jobHeap []*schedulerJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*schedulerJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler 是进程内的超时/延迟发布调度器（§4.E "Process-local" 分支）。
//
// 实现为优先队列 + 单一消费者任务，取消是标记/墓碑模式而不是抢占式中断
// （设计备注里对协程式调度器的再架构指导）：对“超时”类任务，后一次
// SetTimeout/ClearTimeout 会用 latest 映射“压过”前一次登记，消费者弹出
// 任务时如果发现它已经被压过，就悄悄丢弃——这与 spec 里
// “Timer cancellation... is best-effort... guards must tolerate stale
// timeouts” 完全对应。
type Scheduler struct {
	mu     sync.Mutex
	heap   jobHeap
	latest map[string]time.Time // timeoutKey -> 当前有效的 at（用于压过判定）
	wake   chan struct{}
	seq    uint64

	logger logging.ILogger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewScheduler 创建调度器；logger 可为 nil，此时退回一个新建的 noop 日志。
func NewScheduler(logger logging.ILogger) *Scheduler {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Scheduler{
		latest: make(map[string]time.Time),
		wake:   make(chan struct{}, 1),
		logger: logger.WithField("component", "saga.scheduler"),
	}
}

// Start 启动单一消费者 goroutine；Stop 之后不可重用。
func (s *Scheduler) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx)
}

// Stop 请求调度器退出，阻塞直至消费者 goroutine 结束；可安全重复调用。
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// Enqueue 登记一个到期时执行的任务；该任务不关联 timeoutKey，不会被
// CancelTimeout 或后续登记取代（供 ctx.Schedule 这类一次性延迟发布使用）。
func (s *Scheduler) Enqueue(at time.Time, run func(ctx context.Context)) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.heap, &schedulerJob{at: at, seq: s.seq, run: run})
	s.mu.Unlock()
	s.notify()
}

// EnqueueTimeout 登记一个“超时”类任务；同一 timeoutKey 的新登记会压过
// 旧登记（旧任务到期时会被静默丢弃）。
func (s *Scheduler) EnqueueTimeout(timeoutKey string, at time.Time, run func(ctx context.Context)) {
	s.mu.Lock()
	s.latest[timeoutKey] = at
	s.seq++
	heap.Push(&s.heap, &schedulerJob{at: at, seq: s.seq, run: run, timeoutKey: timeoutKey})
	s.mu.Unlock()
	s.notify()
}

// CancelTimeout 使某个 timeoutKey 当前登记的任务失效（ClearTimeout 对应
// 的 best-effort 取消）。
func (s *Scheduler) CancelTimeout(timeoutKey string) {
	s.mu.Lock()
	delete(s.latest, timeoutKey)
	s.mu.Unlock()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			s.drainDue(ctx)
		case <-s.wake:
			// 队头可能变化，回到循环顶部重新计算等待时间
		}
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Hour
	}
	d := time.Until(s.heap[0].at)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) drainDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.heap[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		j := heap.Pop(&s.heap).(*schedulerJob)
		superseded := false
		if j.timeoutKey != "" {
			if at, ok := s.latest[j.timeoutKey]; !ok || !at.Equal(j.at) {
				superseded = true
			} else {
				delete(s.latest, j.timeoutKey)
			}
		}
		s.mu.Unlock()

		if superseded {
			s.logger.Debug(ctx, "skipping superseded timeout job", logging.String("timeoutKey", j.timeoutKey))
			continue
		}
		go j.run(ctx)
	}
}
