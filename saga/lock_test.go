package saga

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 同一 (sagaName, correlationId) 下的并发 acquire 必须互斥执行。
func TestLockTable_SerializesSameKey(t *testing.T) {
	tbl := newLockTable()

	var active int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := tbl.acquire("order", "corr-1")
			defer release()

			n := atomic.AddInt32(&active, 1)
			for {
				max := atomic.LoadInt32(&maxObserved)
				if n <= max || atomic.CompareAndSwapInt32(&maxObserved, max, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxObserved, "at most one goroutine should hold the lock for a given key at once")
}

// 不同的 correlationId 必须可以并发进行，互不阻塞。
func TestLockTable_DifferentKeysDoNotBlock(t *testing.T) {
	tbl := newLockTable()

	releaseA := tbl.acquire("order", "corr-a")
	done := make(chan struct{})
	go func() {
		release := tbl.acquire("order", "corr-b")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different key should not block on an unrelated held lock")
	}
	releaseA()
}

// 引用计数归零后条目应被惰性清扫，不留下无界增长的内存。
func TestLockTable_SweepsEntryWhenRefsReachZero(t *testing.T) {
	tbl := newLockTable()
	release := tbl.acquire("order", "corr-1")
	release()

	tbl.mu.Lock()
	_, exists := tbl.entries[lockKey("order", "corr-1")]
	tbl.mu.Unlock()

	require.False(t, exists, "entry should be swept once refs drop to zero")
}
