package registry

import (
	"net/url"
	"testing"
)

func TestKeyForURLMaterializesDefaultPorts(t *testing.T) {
	cases := map[string]string{
		"https://api.example.com/tile/1":     "api.example.com:443",
		"http://api.example.com/tile/1":       "api.example.com:80",
		"https://API.Example.com:8443/tile/1": "api.example.com:8443",
	}
	for raw, want := range cases {
		got, err := KeyForURL(raw, nil)
		if err != nil {
			t.Fatalf("KeyForURL(%q): %v", raw, err)
		}
		if got != want {
			t.Errorf("KeyForURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestKeyForURLIsIdempotentAcrossEquivalentURLs(t *testing.T) {
	a, _ := KeyForURL("https://Example.com/a", nil)
	b, _ := KeyForURL("https://example.com:443/b", nil)
	if a != b {
		t.Fatalf("expected equivalent URLs to share a server key: %q vs %q", a, b)
	}
}

func TestKeyForURLResolvesRelativeAgainstBase(t *testing.T) {
	base, err := url.Parse("https://example.com/page")
	if err != nil {
		t.Fatalf("unexpected error parsing base: %v", err)
	}

	got, err := KeyForURL("/relative/tile.json", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "example.com:443" {
		t.Fatalf("expected relative URL resolved against base, got %q", got)
	}
}

func TestHasOpenSlotRespectsDefaultCap(t *testing.T) {
	r := New(2)
	if !r.HasOpenSlot("host:443", 1) {
		t.Fatalf("expected an open slot on a fresh registry")
	}
	r.Acquire("host:443")
	r.Acquire("host:443")
	if r.HasOpenSlot("host:443", 1) {
		t.Fatalf("expected no open slot once at cap")
	}
	r.Release("host:443")
	if !r.HasOpenSlot("host:443", 1) {
		t.Fatalf("expected an open slot after release")
	}
}

func TestPerServerOverrideCap(t *testing.T) {
	r := New(18)
	r.SetCap("api.example.com:443", 6)

	for i := 0; i < 6; i++ {
		if !r.HasOpenSlot("api.example.com:443", 1) {
			t.Fatalf("expected slot %d to be available", i)
		}
		r.Acquire("api.example.com:443")
	}
	if r.HasOpenSlot("api.example.com:443", 1) {
		t.Fatalf("expected the 7th request to be rejected")
	}
}

func TestResetZeroesCountsKeepsOverrides(t *testing.T) {
	r := New(18)
	r.SetCap("host:443", 1)
	r.Acquire("host:443")
	r.Reset()
	if r.ActiveCount("host:443") != 0 {
		t.Fatalf("expected counts reset")
	}
	if r.Cap("host:443") != 1 {
		t.Fatalf("expected cap override preserved across reset")
	}
}
