// Package overpassfetch is a demo request.Func provider backed by the
// Overpass OSM API. Like internal/transport/httpfetch, it is an external
// transport collaborator: the scheduler core stays black-box about
// request_fn (spec.md §6), so this package is never imported from
// internal/scheduler. The demo CLI does not import it either: its demo
// command fetches through internal/transport/httpfetch only.
//
// Payload parsing is explicitly out of scope for the scheduler core, so
// the request.Func built here hands back the marshaled overpass.Result
// JSON as-is; interpreting OSM tags into renderable geometry is left to
// the caller.
package overpassfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MeKo-Christian/go-overpass"
	"github.com/MeKo-Tech/tilescheduler/internal/request"
)

// Config mirrors the teacher's OverpassConfig: endpoint, worker
// parallelism, and retry behavior for the underlying Overpass client.
type Config struct {
	// Endpoint is the Overpass API URL.
	Endpoint string
	// Workers controls client-side parallelism.
	Workers int
	// RetryConfig configures exponential backoff retry; nil disables it.
	RetryConfig *overpass.RetryConfig
	// HTTPClient allows a custom HTTP client; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// DefaultConfig mirrors the teacher's public-instance defaults.
func DefaultConfig() Config {
	retry := overpass.DefaultRetryConfig()
	return Config{
		Endpoint:    "https://overpass-api.de/api/interpreter",
		Workers:     2,
		RetryConfig: &retry,
		HTTPClient:  http.DefaultClient,
	}
}

// Fetcher builds request.Func values that execute an Overpass QL query and
// hand back the marshaled result as the request payload.
type Fetcher struct {
	client overpass.Client
}

// New constructs a Fetcher, filling zero-valued Config fields with
// DefaultConfig's.
func New(cfg Config) *Fetcher {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultConfig().Endpoint
	}
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	var client overpass.Client
	if cfg.RetryConfig != nil {
		client = overpass.NewWithRetry(cfg.Endpoint, cfg.Workers, cfg.HTTPClient, *cfg.RetryConfig)
	} else {
		client = overpass.NewWithSettings(cfg.Endpoint, cfg.Workers, cfg.HTTPClient)
	}

	return &Fetcher{client: client}
}

// Func returns a request.Func that runs query against the configured
// Overpass endpoint and delivers the JSON-marshaled overpass.Result as the
// payload. The Overpass client in this package doesn't support
// context-based cancellation, matching the teacher's own
// "note: this version doesn't support context" caveat; ctx is accepted
// only to satisfy request.Func's signature.
func (f *Fetcher) Func(query string) request.Func {
	return func(ctx context.Context) <-chan request.Result {
		ch := make(chan request.Result, 1)
		go func() {
			result, err := f.client.Query(query)
			if err != nil {
				ch <- request.Result{Err: fmt.Errorf("overpassfetch: query failed: %w", err)}
				return
			}
			payload, err := json.Marshal(result)
			if err != nil {
				ch <- request.Result{Err: fmt.Errorf("overpassfetch: marshal result: %w", err)}
				return
			}
			ch <- request.Result{Payload: payload}
		}()
		return ch
	}
}

// BoundsQuery builds a minimal Overpass QL query returning every tagged
// way and relation intersecting the given bounding box, for demo purposes.
// A real engine integration would compose richer, zoom-dependent queries
// the way the teacher's buildTileQuery does; this keeps the demo CLI
// self-contained without depending on a specific feature taxonomy.
func BoundsQuery(minLat, minLon, maxLat, maxLon float64) string {
	bbox := fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", minLat, minLon, maxLat, maxLon)
	return fmt.Sprintf(`[out:json][timeout:25];
(
  way(%s);
  relation(%s);
);
out geom qt;`, bbox, bbox)
}
