package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(workers, capacity int, timeout time.Duration) *Queue {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(workers, capacity, timeout, logger)
}

func TestSubmitAndRun(t *testing.T) {
	q := newTestQueue(2, 8, time.Second)

	done := make(chan Job, 1)
	q.Register("echo", func(_ context.Context, job Job) error {
		done <- job
		return nil
	})
	q.Start()
	t.Cleanup(q.Stop)

	id, err := q.Submit("echo", map[string]string{"record": "r1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Error("empty job id")
	}

	select {
	case job := <-done:
		if job.ID != id {
			t.Errorf("job id = %q, want %q", job.ID, id)
		}
		if job.Args["record"] != "r1" {
			t.Errorf("args = %v", job.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestSubmitUnknownHandler(t *testing.T) {
	q := newTestQueue(1, 1, time.Second)
	q.Start()
	t.Cleanup(q.Stop)

	if _, err := q.Submit("nope", nil); !errors.Is(err, ErrUnknownHandler) {
		t.Errorf("Submit error = %v, want ErrUnknownHandler", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	// No workers started, capacity 1: the second submission must fail fast
	// instead of blocking the caller.
	q := newTestQueue(1, 1, time.Second)
	q.Register("noop", func(context.Context, Job) error { return nil })

	if _, err := q.Submit("noop", nil); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := q.Submit("noop", nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Submit error = %v, want ErrQueueFull", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	q := newTestQueue(1, 1, time.Second)
	q.Register("noop", func(context.Context, Job) error { return nil })
	q.Start()
	q.Stop()

	if _, err := q.Submit("noop", nil); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit error = %v, want ErrStopped", err)
	}
}

func TestSubmitRacingStopNeverPanics(t *testing.T) {
	for i := 0; i < 200; i++ {
		q := newTestQueue(1, 4, time.Second)
		q.Register("noop", func(context.Context, Job) error { return nil })
		q.Start()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, err := q.Submit("noop", nil)
				if errors.Is(err, ErrStopped) {
					return
				}
			}
		}()

		q.Stop()
		<-done
	}
}

func TestJobTimeout(t *testing.T) {
	q := newTestQueue(1, 1, 20*time.Millisecond)

	observed := make(chan error, 1)
	q.Register("slow", func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		observed <- ctx.Err()
		return ctx.Err()
	})
	q.Start()
	t.Cleanup(q.Stop)

	if _, err := q.Submit("slow", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case err := <-observed:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("ctx error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestStopWaitsForInFlightJobs(t *testing.T) {
	q := newTestQueue(2, 4, time.Second)

	var finished atomic.Int32
	q.Register("work", func(context.Context, Job) error {
		time.Sleep(20 * time.Millisecond)
		finished.Add(1)
		return nil
	})
	q.Start()

	for i := 0; i < 3; i++ {
		if _, err := q.Submit("work", nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	q.Stop()

	if got := finished.Load(); got != 3 {
		t.Errorf("finished = %d, want 3", got)
	}
}
