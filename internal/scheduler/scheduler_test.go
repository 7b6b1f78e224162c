package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestScheduler_PriorityOrder(t *testing.T) {
	s := New(nil)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Task {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	// queue before the worker starts so ordering is deterministic
	_ = s.Post(PriorityNormal, record("n1"))
	_ = s.Post(PriorityNormal, record("n2"))
	_ = s.Post(PriorityHigh, record("h1"))
	_ = s.Post(PriorityHigh, record("h2"))
	if s.Pending() != 4 {
		t.Errorf("Pending() = %d, want 4", s.Pending())
	}

	s.Start()
	defer s.Stop()

	if err := s.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"h1", "h2", "n1", "n2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestScheduler_TaskPanicKeepsWorker(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()

	_ = s.Post(PriorityNormal, func() { panic("boom") })

	ran := false
	if err := s.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !ran {
		t.Error("task after panic did not run")
	}
}

func TestScheduler_PostFromTask(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	_ = s.Post(PriorityNormal, func() {
		_ = s.Post(PriorityHigh, func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested task did not run")
	}
}

func TestScheduler_Stop(t *testing.T) {
	s := New(nil)
	s.Start()
	s.Stop()
	s.Stop()

	if err := s.Post(PriorityNormal, func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Post() after Stop error = %v, want ErrStopped", err)
	}
	if err := s.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Do() after Stop error = %v, want ErrStopped", err)
	}
}

func TestScheduler_RunContext(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	if err := s.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return")
	}
}

func TestScheduler_DoContextCancelled(t *testing.T) {
	s := New(nil) // never started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Do(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want DeadlineExceeded", err)
	}
}
