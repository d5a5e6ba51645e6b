// Package scheduler implements the Scheduler Core (C4): the per-frame
// admission/throttling layer that accepts request.Request descriptors,
// orders them by priority, enforces global and per-server concurrency
// caps, cancels obsolete work, and drives completion notifications.
//
// The scheduler is designed for a single-threaded cooperative caller:
// Schedule and Update are meant to be called from one logical frame
// thread and never concurrently with each other. Completion callbacks
// from in-flight request.Func futures arrive from arbitrary goroutines;
// the scheduler marshals them onto its own mutex so they never
// interleave with each other's counter mutations or with Schedule/Update.
package scheduler

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/MeKo-Tech/tilescheduler/internal/heap"
	"github.com/MeKo-Tech/tilescheduler/internal/registry"
	"github.com/MeKo-Tech/tilescheduler/internal/request"
)

// Defaults mirror spec.md's Configuration table.
const (
	DefaultMaxRequests          = 50
	DefaultMaxRequestsPerServer = registry.DefaultPerServerCap
	DefaultPriorityHeapLength   = heap.DefaultCapacity
)

// Config is the process-wide scheduler configuration (spec.md §6).
type Config struct {
	// MaxRequests is the global cap on concurrent active requests.
	MaxRequests int
	// MaxRequestsPerServer is the per-server default cap.
	MaxRequestsPerServer int
	// RequestsByServer overrides MaxRequestsPerServer for specific
	// server keys, e.g. HTTP/2-capable hosts.
	RequestsByServer map[string]int
	// ThrottleRequests is the master switch; when false every request
	// starts immediately regardless of its own Throttle field.
	ThrottleRequests bool
	// PriorityHeapLength bounds the pending (issued-but-not-active)
	// requests; see heap.ShrinkPolicy for the eviction behavior when
	// this is lowered below the current length.
	PriorityHeapLength int
	// ShrinkPolicy controls which pending requests are sacrificed when
	// PriorityHeapLength is lowered. Defaults to heap.ShrinkCancelHighest.
	ShrinkPolicy heap.ShrinkPolicy
	// BaseURL resolves relative request URLs when deriving a server key.
	BaseURL *url.URL
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests:          DefaultMaxRequests,
		MaxRequestsPerServer: DefaultMaxRequestsPerServer,
		RequestsByServer:     map[string]int{},
		ThrottleRequests:     true,
		PriorityHeapLength:   DefaultPriorityHeapLength,
		Logger:               slog.Default(),
	}
}

// Listener is notified after every RECEIVED or FAILED transition. err is
// non-nil only for a FAILED transition. CANCELLED transitions do not
// notify listeners.
type Listener func(req *request.Request, err error)

// Stats is a point-in-time snapshot of the scheduler's counters
// (spec.md §6 Statistics snapshot).
type Stats struct {
	Attempted       int64
	Active          int64
	Cancelled       int64
	CancelledActive int64
	Failed          int64
	ActiveEver      int64
	LastActiveCount int64
}

type counters struct {
	attempted       atomic.Int64
	cancelled       atomic.Int64
	cancelledActive atomic.Int64
	failed          atomic.Int64
	activeEver      atomic.Int64
	lastActiveCount atomic.Int64
}

// Scheduler is the Scheduler Core (C4). The zero value is not usable;
// construct with New.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	registry *registry.Registry
	heap     *heap.Heap
	active   []*request.Request

	listeners []Listener
	stats     counters
	wasActive bool
	logger    *slog.Logger
}

// New constructs a Scheduler from cfg, filling non-positive MaxRequests,
// MaxRequestsPerServer and PriorityHeapLength and a nil Logger with
// spec.md's documented defaults. ThrottleRequests is taken as given, so a
// zero-valued Config disables throttling; start from DefaultConfig for the
// documented defaults of every field.
func New(cfg Config) *Scheduler {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.MaxRequestsPerServer <= 0 {
		cfg.MaxRequestsPerServer = DefaultMaxRequestsPerServer
	}
	if cfg.PriorityHeapLength <= 0 {
		cfg.PriorityHeapLength = DefaultPriorityHeapLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	reg := registry.New(cfg.MaxRequestsPerServer)
	for key, cap := range cfg.RequestsByServer {
		reg.SetCap(key, cap)
	}

	h := heap.New(cfg.PriorityHeapLength)
	h.SetShrinkPolicy(cfg.ShrinkPolicy)

	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		heap:     h,
		logger:   cfg.Logger.With("component", "scheduler"),
	}
}

// OnRequestCompleted registers a listener invoked after every RECEIVED or
// FAILED transition (spec.md §6 on_request_completed). Cancellations, by
// the caller or by the scheduler, do not invoke it.
func (s *Scheduler) OnRequestCompleted(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// GetServerKey derives the server key for rawURL, resolving a relative URL
// against the configured BaseURL. It does not modify any request.
func (s *Scheduler) GetServerKey(rawURL string) (string, error) {
	return registry.KeyForURL(rawURL, s.cfg.BaseURL)
}

// ServerHasOpenSlots reports whether n more active requests would fit
// under serverKey's cap.
func (s *Scheduler) ServerHasOpenSlots(serverKey string, n int) bool {
	return s.registry.HasOpenSlot(serverKey, n)
}

// HeapHasOpenSlots reports whether n more pending requests would fit in
// the priority heap without eviction.
func (s *Scheduler) HeapHasOpenSlots(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.HasOpenSlots(n)
}

// SetPriorityHeapLength resizes the pending-request bound. Lowering it
// below the current length cancels the excess per the configured
// ShrinkPolicy (see heap.Heap.SetCapacity).
func (s *Scheduler) SetPriorityHeapLength(n int) {
	s.mu.Lock()
	evicted := s.heap.SetCapacity(n)
	s.mu.Unlock()
	for _, r := range evicted {
		s.cancelAndNotify(r)
	}
}

// Schedule is the scheduler's admission entry point (spec.md §4.4
// request()). It returns (waiter, true) when the request was started or
// admitted to the pending heap, or (nil, false) when the caller must
// retry on a subsequent frame.
func (s *Scheduler) Schedule(req *request.Request) (<-chan request.Outcome, bool) {
	if request.IsDataOrBlobURI(req.URL) {
		waiter := req.Attach()
		req.SetState(request.StateActive)
		s.dispatch(req, false)
		return waiter, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ServerKey == "" {
		key, err := registry.KeyForURL(req.URL, s.cfg.BaseURL)
		if err == nil {
			req.ServerKey = key
		}
	}

	if !s.cfg.ThrottleRequests || !req.Throttle {
		// Untrottled requests bypass admission entirely: they are not
		// part of the active list or per-server counts used for cap
		// enforcement (spec.md §8 scenario 2), though they still count
		// toward attempted/active-ever statistics.
		waiter := req.Attach()
		req.SetState(request.StateActive)
		s.stats.attempted.Add(1)
		s.stats.activeEver.Add(1)
		s.dispatch(req, false)
		return waiter, true
	}

	if req.ThrottleByServer && !s.registry.HasOpenSlot(req.ServerKey, 1) {
		return nil, false
	}
	if len(s.active) >= s.cfg.MaxRequests {
		return nil, false
	}

	if req.PriorityFn != nil {
		req.Priority = req.PriorityFn()
	}
	req.SetState(request.StateIssued)

	ejected := s.heap.Insert(req)
	if ejected == req {
		// The heap's own current maximum; never actually issued.
		req.SetState(request.StateUnissued)
		return nil, false
	}
	waiter := req.Attach()
	if ejected != nil {
		s.cancelLocked(ejected)
	}
	return waiter, true
}

// Update is the per-frame reconciliation pass (spec.md §4.4 update()):
// it reaps cancelled active requests, re-evaluates and resorts pending
// priorities, then admits the highest-priority pending requests up to
// the remaining global and per-server slots.
func (s *Scheduler) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.active[:0]
	for _, r := range s.active {
		if r.IsCancelled() {
			s.registry.Release(r.ServerKey)
			s.stats.cancelled.Add(1)
			s.stats.cancelledActive.Add(1)
			r.SetState(request.StateCancelled)
			if r.CancelFn != nil {
				r.CancelFn()
			}
			r.Resolve(request.Outcome{Cancelled: true})
		} else {
			kept = append(kept, r)
		}
	}
	s.active = kept

	s.heap.ForEach(func(r *request.Request) {
		if r.PriorityFn != nil {
			r.Priority = r.PriorityFn()
		}
	})
	s.heap.Resort()

	open := s.cfg.MaxRequests - len(s.active)
	if open < 0 {
		open = 0
	}
	for i := 0; i < open; i++ {
		r := s.heap.Pop()
		if r == nil {
			break
		}
		if r.IsCancelled() {
			s.stats.cancelled.Add(1)
			r.SetState(request.StateCancelled)
			r.Resolve(request.Outcome{Cancelled: true})
			continue
		}
		if r.ThrottleByServer && !s.registry.HasOpenSlot(r.ServerKey, 1) {
			s.cancelLocked(r)
			continue
		}
		s.startLocked(r)
	}

	s.checkQuiescenceLocked()
}

// ClearForTests zeroes all statistics counters without touching active
// requests, the pending heap, or registry caps (spec.md §6 reset
// semantics).
func (s *Scheduler) ClearForTests() {
	s.stats.attempted.Store(0)
	s.stats.cancelled.Store(0)
	s.stats.cancelledActive.Store(0)
	s.stats.failed.Store(0)
	s.stats.activeEver.Store(0)
	s.stats.lastActiveCount.Store(0)
}

// Stats returns a point-in-time snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	active := int64(len(s.active))
	s.mu.Unlock()
	return Stats{
		Attempted:       s.stats.attempted.Load(),
		Active:          active,
		Cancelled:       s.stats.cancelled.Load(),
		CancelledActive: s.stats.cancelledActive.Load(),
		Failed:          s.stats.failed.Load(),
		ActiveEver:      s.stats.activeEver.Load(),
		LastActiveCount: s.stats.lastActiveCount.Load(),
	}
}

// PendingLen and ActiveLen expose the current pending/active counts for
// status reporting; both take the scheduler's lock.
func (s *Scheduler) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

func (s *Scheduler) ActiveLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// startLocked transitions req to ACTIVE, registers it against the
// global and per-server counters, and invokes its request_fn. req was
// already Attach()ed at issuance in Schedule; the caller is still
// waiting on that same channel, so startLocked must not re-Attach.
// Callers must hold s.mu.
func (s *Scheduler) startLocked(req *request.Request) {
	req.SetState(request.StateActive)
	s.active = append(s.active, req)
	s.registry.Acquire(req.ServerKey)
	s.stats.attempted.Add(1)
	s.stats.activeEver.Add(1)

	s.dispatch(req, true)
}

// dispatch invokes req.RequestFn and arranges for its result to be
// processed back on s.mu, regardless of which goroutine the future
// settles on. managed indicates whether req occupies a slot in the
// active list and per-server counts that complete() must release.
func (s *Scheduler) dispatch(req *request.Request, managed bool) {
	if req.RequestFn == nil {
		s.complete(req, request.Result{}, managed)
		return
	}
	ch := req.RequestFn(context.Background())
	go func() {
		res := <-ch
		s.complete(req, res, managed)
	}()
}

// complete processes a settled request_fn result, serialized on s.mu so
// two requests' completions never interleave with each other's counter
// mutations.
func (s *Scheduler) complete(req *request.Request, res request.Result, managed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.State() == request.StateCancelled {
		// Race with a cancellation already processed by Update(); the
		// payload is dropped and no further transition occurs.
		return
	}

	if managed {
		s.removeActiveLocked(req)
		s.registry.Release(req.ServerKey)
	}

	var err error
	if res.Err != nil {
		req.SetState(request.StateFailed)
		s.stats.failed.Add(1)
		err = res.Err
		req.Resolve(request.Outcome{Err: res.Err})
	} else {
		req.SetState(request.StateReceived)
		req.Resolve(request.Outcome{Payload: res.Payload})
	}

	s.notifyLocked(req, err)
	if managed {
		s.checkQuiescenceLocked()
	}
}

func (s *Scheduler) removeActiveLocked(req *request.Request) {
	for i, r := range s.active {
		if r == req {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

// cancelLocked synchronously cancels an issued-but-not-started request
// (eviction or per-server saturation after a heap pop). The waiter is
// rejected with no payload and no error, per spec.md's scheduler-
// cancellation semantics.
func (s *Scheduler) cancelLocked(req *request.Request) {
	s.stats.cancelled.Add(1)
	req.SetState(request.StateCancelled)
	if req.CancelFn != nil {
		req.CancelFn()
	}
	req.Resolve(request.Outcome{Cancelled: true})
}

// cancelAndNotify cancels req outside of any held lock (used by
// SetPriorityHeapLength, which releases s.mu before cancelling the
// evicted requests to avoid re-entrant locking from CancelFn).
func (s *Scheduler) cancelAndNotify(req *request.Request) {
	s.stats.cancelled.Add(1)
	req.SetState(request.StateCancelled)
	if req.CancelFn != nil {
		req.CancelFn()
	}
	req.Resolve(request.Outcome{Cancelled: true})
}

func (s *Scheduler) notifyLocked(req *request.Request, err error) {
	for _, fn := range s.listeners {
		fn(req, err)
	}
}

// checkQuiescenceLocked logs and snapshots counters once per quiescent
// interval: when the active count returns to zero after having been
// non-zero. Callers must hold s.mu.
func (s *Scheduler) checkQuiescenceLocked() {
	active := len(s.active)
	if active > 0 {
		s.wasActive = true
		return
	}
	if !s.wasActive {
		return
	}
	s.wasActive = false
	s.stats.lastActiveCount.Store(int64(active))
	s.logger.Debug("scheduler quiesced",
		"attempted", s.stats.attempted.Load(),
		"cancelled", s.stats.cancelled.Load(),
		"cancelled_active", s.stats.cancelledActive.Load(),
		"failed", s.stats.failed.Load(),
	)
}
