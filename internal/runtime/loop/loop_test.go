package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "drippost/pkg/logx"
)

func TestDoRunsCallsInOrder(t *testing.T) {
	t.Parallel()
	l := New(2, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = l.Stop(sctx)
	}()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(ctx, "t", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each submission time to land so ordering is deterministic.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	if len(order) != 8 {
		t.Fatalf("ran %d calls, want 8", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, calls interleaved", order)
		}
	}
}

func TestDoFallsBackWhenNotRunning(t *testing.T) {
	t.Parallel()
	l := New(2, logx.Nop())
	ran := false
	err := l.Do(context.Background(), "t", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("fallback: ran=%v err=%v", ran, err)
	}
}

func TestDoPropagatesError(t *testing.T) {
	t.Parallel()
	l := New(2, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = l.Stop(sctx)
	}()

	want := errors.New("boom")
	if err := l.Do(ctx, "t", func(ctx context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestDoSurvivesPanic(t *testing.T) {
	t.Parallel()
	l := New(2, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = l.Stop(sctx)
	}()

	if err := l.Do(ctx, "t", func(ctx context.Context) error { panic("boom") }); err == nil {
		t.Fatal("expected error from panicking call")
	}
	// The loop keeps serving after a panic.
	if err := l.Do(ctx, "t", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("loop dead after panic: %v", err)
	}
}

func TestStoreWriteSerializes(t *testing.T) {
	t.Parallel()
	l := New(4, logx.Nop())
	ctx := context.Background()

	var inWrite int32
	var mu sync.Mutex
	var maxConcurrent int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.StoreWrite(ctx, func(ctx context.Context) error {
				mu.Lock()
				inWrite++
				if inWrite > maxConcurrent {
					maxConcurrent = inWrite
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inWrite--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Fatalf("max concurrent writes = %d, want 1", maxConcurrent)
	}
}

func TestStoreBoundsConcurrency(t *testing.T) {
	t.Parallel()
	const workers = 2
	l := New(workers, logx.Nop())
	ctx := context.Background()

	var mu sync.Mutex
	var in, peak int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Store(ctx, func(ctx context.Context) error {
				mu.Lock()
				in++
				if in > peak {
					peak = in
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				in--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > workers {
		t.Fatalf("peak concurrency = %d, want <= %d", peak, workers)
	}
}

func TestStopRejectsQueued(t *testing.T) {
	t.Parallel()
	l := New(2, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	if err := l.Stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// After Stop the loop is gone; Do falls back to direct execution.
	ran := false
	if err := l.Do(context.Background(), "t", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Fatalf("post-stop Do: ran=%v err=%v", ran, err)
	}
}
