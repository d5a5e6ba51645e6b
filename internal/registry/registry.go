// Package registry implements the server registry (C2): per-server-key
// active request counts and concurrency caps, and the URL-to-server-key
// canonicalization rule from spec.md §3.
package registry

import (
	"net/url"
	"strings"
	"sync"
)

// DefaultPerServerCap is the fallback cap applied to a server key with no
// explicit override (spec.md max_requests_per_server default).
const DefaultPerServerCap = 18

// Registry tracks active-request counts per server key against a global
// default cap and any per-key overrides. It is safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	counts     map[string]int
	caps       map[string]int
	defaultCap int
}

// New returns a Registry whose keys fall back to defaultCap when not
// present in caps overrides. A non-positive defaultCap is replaced by
// DefaultPerServerCap.
func New(defaultCap int) *Registry {
	if defaultCap <= 0 {
		defaultCap = DefaultPerServerCap
	}
	return &Registry{
		counts:     make(map[string]int),
		caps:       make(map[string]int),
		defaultCap: defaultCap,
	}
}

// SetCap overrides the cap for a specific server key, e.g. for an
// HTTP/2-capable host that can sustain more concurrent streams.
func (r *Registry) SetCap(serverKey string, cap int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[serverKey] = cap
}

// Cap returns the effective cap for serverKey: the override if one is
// registered, else the registry's default.
func (r *Registry) Cap(serverKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capLocked(serverKey)
}

func (r *Registry) capLocked(serverKey string) int {
	if c, ok := r.caps[serverKey]; ok {
		return c
	}
	return r.defaultCap
}

// HasOpenSlot reports whether desired additional active requests would
// fit under serverKey's cap.
func (r *Registry) HasOpenSlot(serverKey string, desired int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[serverKey]+desired <= r.capLocked(serverKey)
}

// Acquire increments serverKey's active count.
func (r *Registry) Acquire(serverKey string) {
	r.mu.Lock()
	r.counts[serverKey]++
	r.mu.Unlock()
}

// Release decrements serverKey's active count. It is a no-op (never
// going negative) if the key has no outstanding count.
func (r *Registry) Release(serverKey string) {
	r.mu.Lock()
	if r.counts[serverKey] > 0 {
		r.counts[serverKey]--
	}
	r.mu.Unlock()
}

// ActiveCount returns the current active-request count for serverKey,
// chiefly for tests and status reporting.
func (r *Registry) ActiveCount(serverKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[serverKey]
}

// Reset zeroes all active counts, leaving cap overrides untouched. The
// scheduler's ClearForTests does not call it: that entry point resets
// statistics only.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.counts = make(map[string]int)
	r.mu.Unlock()
}

// KeyForURL derives the stable server key ("host:port") for a URL,
// canonicalizing per spec.md §3: if the scheme is empty, resolve against
// base (the document location); materialize the default port (443 for
// https, 80 for http) when none is present. The host is lower-cased so
// equivalent URLs compare equal (spec.md §8 idempotence law). This
// matches spec.md's own example key shape, e.g. "api.example.com:443".
func KeyForURL(raw string, base *url.URL) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" && base != nil {
		u = base.ResolveReference(u)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}

	if port == "" {
		return host, nil
	}
	return host + ":" + port, nil
}
