package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MeKo-Tech/tilescheduler/internal/request"
)

func newTestRequest(url string, fn request.Func) *request.Request {
	return request.New(url, fn)
}

func immediateFunc(payload []byte, err error) request.Func {
	return func(ctx context.Context) <-chan request.Result {
		ch := make(chan request.Result, 1)
		ch <- request.Result{Payload: payload, Err: err}
		return ch
	}
}

func blockingFunc() (request.Func, chan<- request.Result) {
	settle := make(chan request.Result, 1)
	fn := func(ctx context.Context) <-chan request.Result {
		out := make(chan request.Result, 1)
		go func() {
			out <- <-settle
		}()
		return out
	}
	return fn, settle
}

func waitOutcome(t *testing.T, ch <-chan request.Outcome) request.Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
		return request.Outcome{}
	}
}

// Schedule only admits a request into the bounded pending heap; Update is
// what promotes pending requests into the active set. Throttled requests
// therefore need one Update call before they start.

func TestScheduleQueuesThenUpdateStartsRequest(t *testing.T) {
	s := New(DefaultConfig())
	req := newTestRequest("https://api.example.com/tile/1", immediateFunc([]byte("ok"), nil))

	ch, ok := s.Schedule(req)
	if !ok {
		t.Fatalf("expected request admitted to the pending heap")
	}
	if req.State() != request.StateIssued {
		t.Fatalf("expected request left issued-but-pending, got %v", req.State())
	}

	s.Update()
	out := waitOutcome(t, ch)
	if out.Err != nil || string(out.Payload) != "ok" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if got := s.Stats().Attempted; got != 1 {
		t.Fatalf("expected attempted=1, got %d", got)
	}
}

func TestSaturationAtGlobalCapQueuesAndHeapEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequests = 1
	cfg.PriorityHeapLength = 1
	s := New(cfg)

	fn, settle := blockingFunc()
	first := newTestRequest("https://api.example.com/a", fn)
	if _, ok := s.Schedule(first); !ok {
		t.Fatalf("expected first request admitted to the pending heap")
	}
	s.Update()
	if first.State() != request.StateActive {
		t.Fatalf("expected first request started, got %v", first.State())
	}

	// Second request fills the single pending heap slot (global cap is
	// saturated by the first, so it cannot start yet).
	second := newTestRequest("https://api.example.com/b", immediateFunc([]byte("b"), nil))
	second.Priority = 5
	chSecond, ok := s.Schedule(second)
	if !ok {
		t.Fatalf("expected second request to be queued")
	}

	// Third, higher-priority (lower value) request evicts the second from
	// the bounded pending heap.
	third := newTestRequest("https://api.example.com/c", immediateFunc([]byte("c"), nil))
	third.Priority = 1
	if _, ok := s.Schedule(third); !ok {
		t.Fatalf("expected third request admitted to the pending heap")
	}

	out := waitOutcome(t, chSecond)
	if !out.Cancelled {
		t.Fatalf("expected evicted request to be cancelled, got %+v", out)
	}

	settle <- request.Result{Payload: []byte("a")}
	time.Sleep(50 * time.Millisecond)

	s.Update()
	if s.ActiveLen() != 1 {
		t.Fatalf("expected exactly one active request after update, got %d", s.ActiveLen())
	}
}

func TestPerServerCapRejectsBeyondOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequests = 10
	cfg.RequestsByServer = map[string]int{"api.example.com:443": 1}
	s := New(cfg)

	fn, _ := blockingFunc()
	first := newTestRequest("https://api.example.com/a", fn)
	if _, ok := s.Schedule(first); !ok {
		t.Fatalf("expected first request queued")
	}
	s.Update()
	if first.State() != request.StateActive {
		t.Fatalf("expected first request started and holding the only server slot, got %v", first.State())
	}

	second := newTestRequest("https://api.example.com/b", immediateFunc(nil, nil))
	_, ok := s.Schedule(second)
	if ok {
		t.Fatalf("expected second request to be rejected by the per-server cap")
	}
	if second.State() != request.StateUnissued {
		t.Fatalf("expected rejected request left unissued, got %v", second.State())
	}
}

func TestUntrottledRequestBypassesAdmissionAndCounters(t *testing.T) {
	s := New(DefaultConfig())

	req := newTestRequest("https://api.example.com/bypass", immediateFunc([]byte("x"), nil))
	req.Throttle = false

	ch, ok := s.Schedule(req)
	if !ok {
		t.Fatalf("expected untrottled request admitted")
	}
	out := waitOutcome(t, ch)
	if out.Err != nil || string(out.Payload) != "x" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	// Untrottled requests must not touch the active list or per-server
	// registry counters used for cap enforcement (spec.md §8 scenario 2),
	// even though they count toward attempted/active-ever statistics.
	if s.ActiveLen() != 0 {
		t.Fatalf("expected untrottled request to never occupy the active list, got %d", s.ActiveLen())
	}
	if !s.ServerHasOpenSlots("api.example.com:443", DefaultMaxRequestsPerServer) {
		t.Fatalf("expected the server registry untouched by an untrottled request")
	}
	if s.Stats().Attempted != 1 {
		t.Fatalf("expected attempted stat incremented for untrottled request")
	}
}

func TestDataURIBypassesSchedulerEntirely(t *testing.T) {
	s := New(DefaultConfig())
	req := newTestRequest("data:text/plain;base64,aGVsbG8=", immediateFunc([]byte("hello"), nil))

	ch, ok := s.Schedule(req)
	if !ok {
		t.Fatalf("expected data URI request admitted")
	}
	out := waitOutcome(t, ch)
	if string(out.Payload) != "hello" {
		t.Fatalf("unexpected payload: %+v", out)
	}
	if s.ActiveLen() != 0 {
		t.Fatalf("expected data URI request to bypass the active list")
	}
}

func TestPriorityReshuffleOnUpdateAdmitsHighestFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequests = 1
	cfg.PriorityHeapLength = 2
	s := New(cfg)

	fn, settle := blockingFunc()
	occupying := newTestRequest("https://api.example.com/occupying", fn)
	if _, ok := s.Schedule(occupying); !ok {
		t.Fatalf("expected occupying request queued")
	}
	s.Update()
	if occupying.State() != request.StateActive {
		t.Fatalf("expected occupying request to hold the single global slot")
	}

	low := newTestRequest("https://api.example.com/low", immediateFunc([]byte("low"), nil))
	low.Priority = 10
	if _, ok := s.Schedule(low); !ok {
		t.Fatalf("expected low priority request queued")
	}

	high := newTestRequest("https://api.example.com/high", immediateFunc([]byte("high"), nil))
	high.Priority = 1
	if _, ok := s.Schedule(high); !ok {
		t.Fatalf("expected high priority request queued")
	}

	settle <- request.Result{Payload: []byte("done")}
	time.Sleep(50 * time.Millisecond)
	s.Update()

	if high.State() != request.StateActive {
		t.Fatalf("expected higher priority request started first, got state %v", high.State())
	}
	if low.State() == request.StateActive {
		t.Fatalf("expected lower priority request to remain pending")
	}
}

func TestCancelRaceWithCompletionIsHandledSafely(t *testing.T) {
	s := New(DefaultConfig())
	fn, settle := blockingFunc()
	req := newTestRequest("https://api.example.com/race", fn)

	ch, ok := s.Schedule(req)
	if !ok {
		t.Fatalf("expected request queued")
	}
	s.Update()
	if req.State() != request.StateActive {
		t.Fatalf("expected request started before the race begins")
	}

	req.Cancel()
	s.Update()

	out := waitOutcome(t, ch)
	if !out.Cancelled {
		t.Fatalf("expected cancellation to win the race, got %+v", out)
	}

	// The completion that arrives after cancellation must be a silent
	// no-op: it must not re-resolve the already-closed waiter.
	settle <- request.Result{Payload: []byte("too-late")}
	time.Sleep(50 * time.Millisecond)
}

func TestFailedRequestReportsErrorAndReleasesSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequests = 1
	s := New(cfg)

	boom := errors.New("boom")
	req := newTestRequest("https://api.example.com/fail", immediateFunc(nil, boom))
	ch, ok := s.Schedule(req)
	if !ok {
		t.Fatalf("expected request queued")
	}
	s.Update()
	out := waitOutcome(t, ch)
	if out.Err == nil {
		t.Fatalf("expected an error outcome")
	}
	if s.Stats().Failed != 1 {
		t.Fatalf("expected failed stat incremented")
	}

	// Slot must be released so a subsequent request can be admitted.
	next := newTestRequest("https://api.example.com/next", immediateFunc([]byte("ok"), nil))
	if _, ok := s.Schedule(next); !ok {
		t.Fatalf("expected next request queued")
	}
	s.Update()
	if next.State() != request.StateActive {
		t.Fatalf("expected slot released after failure, got %v", next.State())
	}
}

func TestClearForTestsResetsStatsOnly(t *testing.T) {
	s := New(DefaultConfig())
	req := newTestRequest("https://api.example.com/tile", immediateFunc([]byte("ok"), nil))
	ch, _ := s.Schedule(req)
	s.Update()
	waitOutcome(t, ch)

	if s.Stats().Attempted == 0 {
		t.Fatalf("expected non-zero stats before reset")
	}
	s.ClearForTests()
	if s.Stats().Attempted != 0 {
		t.Fatalf("expected attempted reset to zero")
	}
}

func TestOnRequestCompletedListenerFiresOnTerminalTransitions(t *testing.T) {
	s := New(DefaultConfig())
	notified := make(chan error, 1)
	s.OnRequestCompleted(func(req *request.Request, err error) {
		notified <- err
	})

	req := newTestRequest("https://api.example.com/tile", immediateFunc([]byte("ok"), nil))
	ch, _ := s.Schedule(req)
	s.Update()
	waitOutcome(t, ch)

	select {
	case err := <-notified:
		if err != nil {
			t.Fatalf("expected nil error on success, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected listener to fire")
	}
}
