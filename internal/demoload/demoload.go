// Package demoload drives a batch of tiles through request/update frames
// against a scheduler, the way an engine's traversal loop would: each
// frame it asks every not-yet-terminal tile to request content, then
// calls scheduler.Update, repeating until every tile reaches a terminal
// state (READY/FAILED) or a frame budget is exhausted. It exists only for
// the demo CLI and its tests; the scheduler core has no notion of frames,
// tiles, or batches.
package demoload

import (
	"context"
	"time"

	"github.com/MeKo-Tech/tilescheduler/internal/request"
	"github.com/MeKo-Tech/tilescheduler/internal/scheduler"
	"github.com/MeKo-Tech/tilescheduler/internal/tilestate"
)

// Task describes one tile to load: its URL, the priority it reports to
// the scheduler, and the transport/decoder pair it fetches through.
type Task struct {
	URL        string
	PriorityFn request.PriorityFunc
	Fetch      request.Func
	Decode     tilestate.Decoder
}

// Result is the outcome of driving one Task's tile to a terminal state.
type Result struct {
	Task    Task
	State   tilestate.State
	Elapsed time.Duration
}

// ProgressFunc is called once per frame with the running totals.
type ProgressFunc func(completed, total, failed int)

// Config configures a Runner.
type Config struct {
	// Scheduler is the scheduler every tile's requests are submitted to.
	Scheduler *scheduler.Scheduler
	// MaxFrames bounds how many request/update cycles are attempted
	// before giving up on any tiles still in flight. Zero means 1000.
	MaxFrames int
	// FrameInterval is slept between frames to simulate a frame tick. A
	// zero interval runs frames back-to-back.
	FrameInterval time.Duration
	// OnProgress is invoked after every frame.
	OnProgress ProgressFunc
}

// Runner drives a batch of tile loads to completion.
type Runner struct {
	cfg Config
}

// New constructs a Runner from cfg.
func New(cfg Config) *Runner {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 1000
	}
	return &Runner{cfg: cfg}
}

// Run submits every task's tile for loading and repeatedly calls
// scheduler.Update until all tiles reach a terminal state or the frame
// budget runs out. It blocks until done or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	tiles := make([]*tilestate.Tile, len(tasks))
	for i, task := range tasks {
		tiles[i] = tilestate.New(task.URL, task.PriorityFn, task.Fetch, task.Decode)
	}

	start := time.Now()
	starts := make([]time.Time, len(tasks))
	results := make([]Result, len(tasks))
	done := make([]bool, len(tasks))

	completed, failed := 0, 0

	for frame := 0; frame < r.cfg.MaxFrames; frame++ {
		select {
		case <-ctx.Done():
			return r.finalize(tasks, tiles, results, done, start)
		default:
		}

		allDone := true
		for i, tile := range tiles {
			if done[i] {
				continue
			}
			switch tile.State() {
			case tilestate.StateUnloaded, tilestate.StateExpired:
				if starts[i].IsZero() {
					starts[i] = time.Now()
				}
				_, _ = tile.RequestContent(r.cfg.Scheduler)
				allDone = false
			case tilestate.StateReady:
				done[i] = true
				results[i] = Result{Task: tasks[i], State: tilestate.StateReady, Elapsed: time.Since(starts[i])}
				completed++
			case tilestate.StateFailed:
				done[i] = true
				results[i] = Result{Task: tasks[i], State: tilestate.StateFailed, Elapsed: time.Since(starts[i])}
				completed++
				failed++
			default:
				allDone = false
			}
		}

		r.cfg.Scheduler.Update()

		if r.cfg.OnProgress != nil {
			r.cfg.OnProgress(completed, len(tasks), failed)
		}

		if allDone {
			break
		}

		if r.cfg.FrameInterval > 0 {
			select {
			case <-time.After(r.cfg.FrameInterval):
			case <-ctx.Done():
				return r.finalize(tasks, tiles, results, done, start)
			}
		}
	}

	return r.finalize(tasks, tiles, results, done, start)
}

// finalize fills in results for any tiles that never reached a terminal
// state within the frame budget, reporting their last observed state.
func (r *Runner) finalize(tasks []Task, tiles []*tilestate.Tile, results []Result, done []bool, start time.Time) []Result {
	for i, tile := range tiles {
		if done[i] {
			continue
		}
		results[i] = Result{Task: tasks[i], State: tile.State(), Elapsed: time.Since(start)}
	}
	return results
}
