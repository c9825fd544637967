package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool(t *testing.T) {
	t.Run("执行全部任务", func(t *testing.T) {
		p := NewWorkerPool(3, 10)
		p.Start(context.Background())

		var count int64
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			p.Submit(func() {
				defer wg.Done()
				atomic.AddInt64(&count, 1)
			})
		}
		wg.Wait()
		p.Stop()

		assert.Equal(t, int64(20), atomic.LoadInt64(&count))
	})

	t.Run("并发数受限", func(t *testing.T) {
		p := NewWorkerPool(2, 10)
		p.Start(context.Background())

		var running, peak int64
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			p.Submit(func() {
				defer wg.Done()
				n := atomic.AddInt64(&running, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&running, -1)
			})
		}
		wg.Wait()
		p.Stop()

		assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	})

	t.Run("Queue full", func(t *testing.T) {
		p := NewWorkerPool(1, 1)
		assert.True(t, p.TrySubmit(func() {}))
		assert.False(t, p.TrySubmit(func() {}))
		p.Start(context.Background())
		p.Stop()
	})

	t.Run("Panic is recovered", func(t *testing.T) {
		p := NewWorkerPool(1, 1)
		recovered := make(chan interface{}, 1)
		p.SetPanicHandler(func(r interface{}) { recovered <- r })
		p.Start(context.Background())

		p.Submit(func() { panic("boom") })

		select {
		case r := <-recovered:
			assert.Equal(t, "boom", r)
		case <-time.After(time.Second):
			t.Fatal("panic handler not called")
		}

		done := make(chan struct{})
		p.Submit(func() { close(done) })
		<-done
		p.Stop()
		p.Stop()
	})
}
