package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireSerializesPerConversation(t *testing.T) {
	m := New(4)
	defer m.Shutdown(context.Background())

	const n = 20
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		// Submission order must equal execution order, so enqueue
		// synchronously and wait concurrently.
		done := make(chan error, 1)
		go func() {
			defer wg.Done()
			<-done
		}()
		go func(ch chan error) {
			ch <- m.Acquire(context.Background(), "conv-1", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(done)
		// Give the enqueue a moment so FIFO submission order is deterministic.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("executed %d tasks, want %d", len(order), n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("execution order %v broke FIFO at index %d", order, i)
		}
	}
}

func TestAcquireBoundsConcurrentConversations(t *testing.T) {
	const limit = 3
	m := New(limit)
	defer m.Shutdown(context.Background())

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Acquire(context.Background(), fmt.Sprintf("conv-%d", i), func(ctx context.Context) error {
				cur := atomic.AddInt64(&active, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > limit {
		t.Fatalf("peak concurrent conversations = %d, want <= %d", got, limit)
	}
}

func TestAcquireReturnsHandlerError(t *testing.T) {
	m := New(1)
	defer m.Shutdown(context.Background())

	want := errors.New("boom")
	err := m.Acquire(context.Background(), "conv", func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("Acquire error = %v, want %v", err, want)
	}
}

func TestAcquireRecoversPanic(t *testing.T) {
	m := New(1)
	defer m.Shutdown(context.Background())

	err := m.Acquire(context.Background(), "conv", func(ctx context.Context) error {
		panic("oops")
	})
	if err == nil {
		t.Fatal("Acquire after panic returned nil error")
	}

	// The queue must still work.
	if err := m.Acquire(context.Background(), "conv", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Acquire after recovered panic: %v", err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	m := New(1)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	err := m.Acquire(context.Background(), "conv", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Acquire after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestStats(t *testing.T) {
	m := New(2)
	defer m.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	go m.Acquire(context.Background(), "busy", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	s := m.Stats()
	if s.Active != 1 {
		t.Errorf("Active = %d, want 1", s.Active)
	}
	if s.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", s.MaxConcurrent)
	}
	close(release)
}
