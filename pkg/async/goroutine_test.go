package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "panicking task", func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	// Reaching here without crashing is the assertion.
}

func TestSafeGoRespectsTimeout(t *testing.T) {
	expired := make(chan bool, 1)
	SafeGo(context.Background(), 10*time.Millisecond, "slow task", func(ctx context.Context) error {
		<-ctx.Done()
		expired <- true
		return nil
	})

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("context never expired")
	}
}

func TestWorkerPoolProcessesTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 4, "test", time.Second)
	defer pool.Shutdown(time.Second)

	var count int64
	for i := 0; i < 20; i++ {
		err := pool.Submit(func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		})
		assert.NoError(t, err)
	}

	assert.NoError(t, pool.Shutdown(2*time.Second))
	assert.Equal(t, int64(20), atomic.LoadInt64(&count))
}

func TestWorkerPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second)
	assert.NoError(t, pool.Shutdown(time.Second))

	err := pool.Submit(func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestBatchIsolatesFailures(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var processed int64

	errs := Batch(context.Background(), items, 2, "test batch", time.Second,
		func(ctx context.Context, item int) error {
			atomic.AddInt64(&processed, 1)
			if item == 3 {
				return errors.New("item 3 failed")
			}
			return nil
		})

	assert.Len(t, errs, 1)
	assert.Equal(t, int64(5), atomic.LoadInt64(&processed), "failure must not stop other items")
}

func TestBatchRecoversPanics(t *testing.T) {
	items := []int{1, 2, 3}

	errs := Batch(context.Background(), items, 2, "panic batch", time.Second,
		func(ctx context.Context, item int) error {
			if item == 2 {
				panic("item 2 panicked")
			}
			return nil
		})

	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "panic")
}

func TestBatchHonorsWorkerLimit(t *testing.T) {
	var inFlight, peak int64
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}

	errs := Batch(context.Background(), items, 2, "bounded batch", time.Second,
		func(ctx context.Context, item int) error {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return nil
		})

	assert.Empty(t, errs)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2), "no more than workers items run at once")
}

func TestBatchEmptyItems(t *testing.T) {
	errs := Batch(context.Background(), []string{}, 2, "empty", time.Second,
		func(ctx context.Context, item string) error { return nil })
	assert.Empty(t, errs)
}
