package demoload

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/MeKo-Tech/tilescheduler/internal/request"
	"github.com/MeKo-Tech/tilescheduler/internal/scheduler"
	"github.com/MeKo-Tech/tilescheduler/internal/tilestate"
)

func successFunc(payload []byte) request.Func {
	return func(ctx context.Context) <-chan request.Result {
		ch := make(chan request.Result, 1)
		ch <- request.Result{Payload: payload}
		return ch
	}
}

func failFunc() request.Func {
	return func(ctx context.Context) <-chan request.Result {
		ch := make(chan request.Result, 1)
		ch <- request.Result{Err: context.DeadlineExceeded}
		return ch
	}
}

func decodeOK(payload []byte) (image.Image, time.Time, error) {
	return image.NewNRGBA(image.Rect(0, 0, 1, 1)), time.Now().Add(time.Hour), nil
}

func TestRunDrivesAllTasksToReady(t *testing.T) {
	sched := scheduler.New(scheduler.DefaultConfig())
	tasks := []Task{
		{URL: "https://api.example.com/tile/0/0/0", PriorityFn: func() float64 { return 1 }, Fetch: successFunc([]byte("a")), Decode: decodeOK},
		{URL: "https://api.example.com/tile/0/0/1", PriorityFn: func() float64 { return 1 }, Fetch: successFunc([]byte("b")), Decode: decodeOK},
	}

	var lastCompleted, lastTotal int
	runner := New(Config{
		Scheduler:     sched,
		FrameInterval: 5 * time.Millisecond,
		OnProgress: func(completed, total, failed int) {
			lastCompleted, lastTotal = completed, total
		},
	})

	results := runner.Run(context.Background(), tasks)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.State != tilestate.StateReady {
			t.Fatalf("expected task %q to reach ready, got %s", r.Task.URL, r.State)
		}
	}
	if lastTotal != 2 {
		t.Fatalf("expected progress total of 2, got %d", lastTotal)
	}
	if lastCompleted != 2 {
		t.Fatalf("expected final progress to report both tasks completed, got %d", lastCompleted)
	}
}

func TestRunReportsFailuresAsTerminal(t *testing.T) {
	sched := scheduler.New(scheduler.DefaultConfig())
	tasks := []Task{
		{URL: "https://api.example.com/tile/1/0/0", PriorityFn: func() float64 { return 1 }, Fetch: failFunc()},
	}

	runner := New(Config{Scheduler: sched, FrameInterval: 5 * time.Millisecond})
	results := runner.Run(context.Background(), tasks)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].State != tilestate.StateFailed {
		t.Fatalf("expected failed state, got %s", results[0].State)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	sched := scheduler.New(scheduler.DefaultConfig())
	blocked := func(ctx context.Context) <-chan request.Result {
		ch := make(chan request.Result)
		return ch
	}
	tasks := []Task{
		{URL: "https://api.example.com/tile/2/0/0", PriorityFn: func() float64 { return 1 }, Fetch: blocked},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	runner := New(Config{Scheduler: sched, FrameInterval: 5 * time.Millisecond})
	results := runner.Run(ctx, tasks)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].State == tilestate.StateReady {
		t.Fatalf("expected the blocked task to not reach ready before cancellation")
	}
}

func TestRunWithNoTasksReturnsNil(t *testing.T) {
	sched := scheduler.New(scheduler.DefaultConfig())
	runner := New(Config{Scheduler: sched})
	if got := runner.Run(context.Background(), nil); got != nil {
		t.Fatalf("expected nil results for an empty task list, got %v", got)
	}
}
