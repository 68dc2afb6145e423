package workers

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("test", 2))
	p.Start()
	defer p.Stop()

	var completed int32
	const n = 20
	for i := 0; i < n; i++ {
		if err := p.SubmitFunc(func() error {
			atomic.AddInt32(&completed, 1)
			return nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&completed) < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&completed); got != n {
		t.Fatalf("expected %d tasks completed, got %d", n, got)
	}
	if stats := p.Stats(); stats.TasksCompleted != n {
		t.Fatalf("expected stats to show %d completed, got %d", n, stats.TasksCompleted)
	}
}

func TestPoolSubmitAfterStopFails(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("test", 1))
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := p.SubmitFunc(func() error { return nil }); err != ErrPoolStopped {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}

func TestPoolRecoversFromPanickingTask(t *testing.T) {
	cfg := DefaultPoolConfig("test", 1)
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	defer p.Stop()

	done := make(chan struct{})
	if err := p.SubmitFunc(func() error {
		defer close(done)
		panic("boom")
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking task never ran")
	}

	// give executeTask a moment to record the recovered panic
	time.Sleep(10 * time.Millisecond)
	if stats := p.Stats(); stats.PanicRecovered != 1 {
		t.Fatalf("expected 1 recovered panic, got %d", stats.PanicRecovered)
	}
}

func TestPoolQueueFullReturnsError(t *testing.T) {
	cfg := &PoolConfig{Name: "test", NumWorkers: 1, QueueSize: 1, TaskTimeout: time.Second, ShutdownTimeout: time.Second}
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	defer close(block)

	// occupy the single worker so the queue has to hold backlog
	if err := p.SubmitFunc(func() error { <-block; return nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// fill the one queue slot
	if err := p.SubmitFunc(func() error { return nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// this one should find both the worker and queue slot occupied
	if err := p.SubmitFunc(func() error { return nil }); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
