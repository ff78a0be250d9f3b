package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAsyncMutexFIFO(t *testing.T) {
	m := NewAsyncMutex()
	ctx := context.Background()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	if err := m.Lock(ctx); err != nil {
		t.Fatal(err)
	}

	const n = 5
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			if err := m.Lock(ctx); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Unlock()
		}()
		time.Sleep(2 * time.Millisecond) // encourage arrival order
	}
	m.Unlock() // release the initial lock, letting goroutine 0 proceed first
	wg.Wait()

	if len(order) != n {
		t.Fatalf("got %d acquisitions, want %d", len(order), n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("acquisition order = %v, want FIFO 0..%d", order, n-1)
		}
	}
}

func TestPromiseAwait(t *testing.T) {
	p := NewPromise[int]()
	var wg sync.WaitGroup
	var got int32
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := p.Await(context.Background())
		if err != nil {
			t.Error(err)
		}
		atomic.StoreInt32(&got, int32(v))
	}()
	time.Sleep(5 * time.Millisecond)
	p.Resolve(42)
	wg.Wait()
	if atomic.LoadInt32(&got) != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestPromiseReject(t *testing.T) {
	p := NewPromise[string]()
	p.Reject(context.Canceled)
	_, err := p.Await(context.Background())
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPromiseAwaitCancelled(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Await(ctx)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
