package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stealthscrape/pkg/logger"
)

func TestWorkerPoolBasicFunctionality(t *testing.T) {
	var calls atomic.Int32
	handler := func(ctx context.Context, n int) string {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return fmt.Sprintf("job-%d", n)
	}

	pool := NewWorkerPool(context.Background(), 3, handler, logger.NewNopLogger())
	pool.Start()

	var results []Result[int, string]
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for result := range pool.Results() {
			results = append(results, result)
		}
	}()

	numJobs := 10
	for i := 0; i < numJobs; i++ {
		if err := pool.Submit(Job[int]{Index: i, Input: i}); err != nil {
			t.Errorf("Failed to submit job %d: %v", i, err)
		}
	}

	pool.Stop()
	wg.Wait()

	if len(results) != numJobs {
		t.Errorf("Expected %d results, got %d", numJobs, len(results))
	}
	if int(calls.Load()) != numJobs {
		t.Errorf("Expected %d handler calls, got %d", numJobs, calls.Load())
	}
	for _, r := range results {
		if r.Output != fmt.Sprintf("job-%d", r.Job.Input) {
			t.Errorf("Result mismatch: %+v", r)
		}
	}
	if pool.Workers() != 3 {
		t.Errorf("Expected 3 workers, got %d", pool.Workers())
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, func(ctx context.Context, n int) int { return n }, logger.NewNopLogger())
	pool.Start()
	go func() {
		for range pool.Results() {
		}
	}()
	pool.Stop()

	if err := pool.Submit(Job[int]{Input: 1}); err == nil {
		t.Error("Expected error submitting to a stopped pool")
	}
}

func TestRunPreservesOrder(t *testing.T) {
	inputs := make([]int, 50)
	for i := range inputs {
		inputs[i] = i
	}

	out := Run(context.Background(), 4, inputs, func(ctx context.Context, n int) int {
		// later inputs finish first
		time.Sleep(time.Duration(50-n) * 100 * time.Microsecond)
		return n * n
	}, logger.NewNopLogger())

	for i, v := range out {
		if v != i*i {
			t.Fatalf("out[%d] = %d, want %d", i, v, i*i)
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	inputs := make([]int, 20)

	Run(context.Background(), 3, inputs, func(ctx context.Context, n int) struct{} {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}
	}, logger.NewNopLogger())

	if peak.Load() > 3 {
		t.Errorf("Expected at most 3 concurrent handlers, saw %d", peak.Load())
	}
}

func TestRunCancelledStillReturnsEveryResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Run(ctx, 2, []string{"a", "b", "c"}, func(ctx context.Context, s string) error {
		return ctx.Err()
	}, logger.NewNopLogger())

	if len(out) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(out))
	}
	for i, err := range out {
		if err != context.Canceled {
			t.Errorf("out[%d] = %v, want context.Canceled", i, err)
		}
	}
}

func TestRunEmpty(t *testing.T) {
	out := Run(context.Background(), 4, nil, func(ctx context.Context, n int) int { return n }, nil)
	if len(out) != 0 {
		t.Errorf("Expected empty output, got %v", out)
	}
}
