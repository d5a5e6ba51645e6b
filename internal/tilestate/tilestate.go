// Package tilestate implements the streaming Tile State Machine (C5): the
// lifecycle of a single tile's renderable content, from its first request
// through expiration and re-fetch.
package tilestate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MeKo-Tech/tilescheduler/internal/request"
	"github.com/MeKo-Tech/tilescheduler/internal/scheduler"
	xdraw "golang.org/x/image/draw"
)

// TileSize is the canonical square pixel size of the placeholder content
// and the target frame of ScaleToTileSize. The state machine itself stores
// decoded content at whatever size the Decoder returns.
const TileSize = 256

// State is a tile's lifecycle position.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateProcessing
	StateReady
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateProcessing:
		return "processing"
	case StateReady:
		return "ready"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Decoder turns a fetched payload into renderable content and an optional
// expiration time. A zero time.Time means the content never expires on its
// own (CheckExpiration is then a no-op for that content).
type Decoder func(payload []byte) (content image.Image, expireAt time.Time, err error)

// placeholderDecoder renders an opaque, uniformly-colored TileSize×TileSize
// placeholder for payloads this demo harness doesn't know how to decode;
// it keeps the state machine exercised end-to-end without a real image
// codec dependency.
func placeholderDecoder(payload []byte) (image.Image, time.Time, error) {
	img := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.NRGBA{R: 200, G: 200, B: 200, A: 255}}, image.Point{}, draw.Src)
	return img, time.Time{}, nil
}

// ScaleToTileSize resizes src to the canonical TileSize×TileSize frame
// using a smooth bilinear filter, for decoders whose source payload
// arrives at an arbitrary resolution.
func ScaleToTileSize(src image.Image) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

// Tile drives one streaming tile's Request through the scheduler and owns
// its current renderable content. The zero value is not usable; construct
// with New.
type Tile struct {
	mu sync.Mutex

	url        string
	priorityFn request.PriorityFunc
	fetch      request.Func
	decode     Decoder

	state   State
	content image.Image
	expire  time.Time
	pending *request.Request
}

// New constructs an UNLOADED tile. priorityFn supplies the per-frame
// scalar priority for this tile's Request (see internal/priority); fetch
// is the transport collaborator invoked for every (re-)fetch, matching
// the scheduler's own black-box request_fn contract; decode turns a
// fetched payload into renderable content. A nil decode defaults to a
// placeholder decoder so the state machine is runnable without a real
// image codec.
func New(rawURL string, priorityFn request.PriorityFunc, fetch request.Func, decode Decoder) *Tile {
	if decode == nil {
		decode = placeholderDecoder
	}
	return &Tile{
		url:        rawURL,
		priorityFn: priorityFn,
		fetch:      fetch,
		decode:     decode,
		state:      StateUnloaded,
	}
}

// State returns the tile's current lifecycle state.
func (t *Tile) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Content returns the tile's current renderable content, which may be the
// previous payload if the tile is EXPIRED and a re-fetch is in flight.
func (t *Tile) Content() image.Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content
}

// MarkEmpty transitions an UNLOADED tile directly to READY with no
// content, for tiles with no renderable payload (spec.md §4.5: "a tile
// whose content is empty immediately transitions UNLOADED→READY without
// scheduler involvement").
func (t *Tile) MarkEmpty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateUnloaded {
		return
	}
	t.state = StateReady
	t.content = nil
}

// RequestContent submits a fetch to sched for an UNLOADED or EXPIRED tile.
// It returns false when the scheduler could not admit the request this
// frame (the tile stays in its current state and the caller should retry
// on a subsequent frame), and true once the request has been issued and
// the tile has moved to LOADING.
func (t *Tile) RequestContent(sched *scheduler.Scheduler) (bool, error) {
	t.mu.Lock()
	if t.state != StateUnloaded && t.state != StateExpired {
		t.mu.Unlock()
		return false, fmt.Errorf("tilestate: request_content called in state %s", t.state)
	}
	fetchURL := t.url
	if t.state == StateExpired {
		fetchURL = appendExpiredParam(t.url, time.Now())
	}
	t.mu.Unlock()

	req := request.New(fetchURL, t.fetch)
	req.PriorityFn = t.priorityFn

	ch, ok := sched.Schedule(req)
	if !ok {
		// Admission refused; stay in the current state for a retry next
		// frame, per spec.md §4.5 and §8 backpressure contract.
		return false, nil
	}

	t.mu.Lock()
	t.pending = req
	t.state = StateLoading
	t.mu.Unlock()

	go t.awaitOutcome(req, ch)
	return true, nil
}

func (t *Tile) awaitOutcome(req *request.Request, ch <-chan request.Outcome) {
	outcome := <-ch

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != req {
		// Superseded by a later request_content call; drop silently.
		return
	}
	t.pending = nil

	switch {
	case outcome.Cancelled:
		// Restores the pre-request state so the tile can be re-requested,
		// per the LOADING --cancelled--> UNLOADED transition.
		t.state = StateUnloaded
	case outcome.Err != nil:
		t.state = StateFailed
	default:
		t.state = StateProcessing
		content, expireAt, err := t.decode(outcome.Payload)
		if err != nil {
			t.state = StateFailed
			return
		}
		t.content = content
		t.expire = expireAt
		t.state = StateReady
	}
}

// CheckExpiration transitions a READY tile to EXPIRED once now is past its
// expiration time. A zero expiration time never expires. Previous content
// keeps rendering until the next fetch reaches READY.
func (t *Tile) CheckExpiration(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateReady {
		return
	}
	if t.expire.IsZero() || now.Before(t.expire) {
		return
	}
	t.state = StateExpired
}

// Unload releases content from a READY or EXPIRED tile back to UNLOADED.
func (t *Tile) Unload() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateReady && t.state != StateExpired {
		return
	}
	t.state = StateUnloaded
	t.content = nil
	t.expire = time.Time{}
}

// appendExpiredParam adds a cache-busting expired=<unix-nanos> query
// parameter to defeat upstream caches on a re-fetch after expiration.
func appendExpiredParam(rawURL string, at time.Time) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("expired", strconv.FormatInt(at.UnixNano(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}
