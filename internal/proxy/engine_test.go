package proxy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"precache/internal/cache"
	"precache/internal/fetch"
	"precache/internal/lifecycle"
	"precache/internal/metrics"
	"precache/internal/proxy"
	"precache/internal/registry"
)

type resolverFunc func(ctx context.Context, req *http.Request) (*http.Response, fetch.Outcome, error)

func (f resolverFunc) Resolve(ctx context.Context, req *http.Request) (*http.Response, fetch.Outcome, error) {
	return f(ctx, req)
}

func newStack(t *testing.T) (*httptest.Server, *lifecycle.Controller, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "origin "+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	c, err := lifecycle.New(lifecycle.Options{
		Prefix:    "app",
		Version:   "03",
		Manifest:  []string{"/", "/index.html", "/css/main.css", "/data/items.json"},
		Origin:    mustURL(t, origin.URL),
		Registry:  registry.New(cache.NewMemoryBackend()),
		Transport: http.DefaultTransport,
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	if err := c.Provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	return origin, c, &hits
}

func TestEngine_ServesHitsFromStore(t *testing.T) {
	origin, c, hits := newStack(t)
	before := hits.Load()

	engine := proxy.NewEngine(proxy.NewOriginDirector(mustURL(t, origin.URL)), c, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://precache.local/css/main.css", nil)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("expected X-Cache=HIT, got %q", got)
	}
	if got := rr.Body.String(); got != "origin /css/main.css" {
		t.Errorf("unexpected body %q", got)
	}
	if hits.Load() != before {
		t.Errorf("cache hit reached the origin")
	}
}

func TestEngine_MissAndBypassGoToOrigin(t *testing.T) {
	origin, c, hits := newStack(t)
	engine := proxy.NewEngine(proxy.NewOriginDirector(mustURL(t, origin.URL)), c, nil, nil)

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/unlisted", "MISS"},
		{http.MethodPost, "/index.html", "BYPASS"},
	}
	for _, tt := range tests {
		before := hits.Load()
		req := httptest.NewRequest(tt.method, "http://precache.local"+tt.path, strings.NewReader("{}"))
		rr := httptest.NewRecorder()
		engine.ServeHTTP(rr, req)

		if got := rr.Header().Get("X-Cache"); got != tt.want {
			t.Errorf("%s %s: expected X-Cache=%s, got %q", tt.method, tt.path, tt.want, got)
		}
		if got := rr.Body.String(); got != "origin "+tt.path {
			t.Errorf("%s %s: unexpected body %q", tt.method, tt.path, got)
		}
		if hits.Load() != before+1 {
			t.Errorf("%s %s: expected exactly one origin request", tt.method, tt.path)
		}
	}
}

func TestEngine_UnavailableIsBadGateway(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	resolver := resolverFunc(func(_ context.Context, req *http.Request) (*http.Response, fetch.Outcome, error) {
		return nil, fetch.OutcomeError, cache.ResourceUnavailable(errors.New("connection refused"), req.URL.String())
	})
	engine := proxy.NewEngine(proxy.NewOriginDirector(mustURL(t, "http://origin")), resolver, nil, m)

	req := httptest.NewRequest(http.MethodGet, "http://precache.local/offline", nil)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error body, got %q", ct)
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != string(cache.CodeResourceUnavailable) {
		t.Errorf("expected code %s, got %q", cache.CodeResourceUnavailable, body.Code)
	}

	expected := `
# HELP precache_http_requests_total Total number of HTTP requests served by the proxy
# TYPE precache_http_requests_total counter
precache_http_requests_total{code="502",method="GET"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "precache_http_requests_total"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestEngine_DeadlineIsGatewayTimeout(t *testing.T) {
	resolver := resolverFunc(func(_ context.Context, req *http.Request) (*http.Response, fetch.Outcome, error) {
		return nil, fetch.OutcomeError, cache.ResourceUnavailable(context.DeadlineExceeded, req.URL.String())
	})
	engine := proxy.NewEngine(proxy.NewOriginDirector(mustURL(t, "http://origin")), resolver, nil, nil)

	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://precache.local/slow", nil))

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
}

func TestEngine_ForwardsTrailers(t *testing.T) {
	resolver := resolverFunc(func(_ context.Context, req *http.Request) (*http.Response, fetch.Outcome, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("streamed")),
			Trailer:    http.Header{"X-Checksum": []string{"abc"}},
		}, fetch.OutcomeMiss, nil
	})
	engine := proxy.NewEngine(proxy.NewOriginDirector(mustURL(t, "http://origin")), resolver, nil, nil)

	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://precache.local/stream", nil))

	if got := rr.Header().Get("Trailer"); got != "X-Checksum" {
		t.Errorf("expected Trailer announcement, got %q", got)
	}
	if got := rr.Body.String(); got != "streamed" {
		t.Errorf("unexpected body %q", got)
	}
}

func TestEngine_OriginBasePathHits(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasPrefix(r.URL.Path, "/app/") {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "origin "+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	base := mustURL(t, origin.URL+"/app/")
	c, err := lifecycle.New(lifecycle.Options{
		Prefix:    "app",
		Version:   "03",
		Manifest:  []string{"/index.html", "/css/main.css"},
		Origin:    base,
		Registry:  registry.New(cache.NewMemoryBackend()),
		Transport: http.DefaultTransport,
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	if err := c.Provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}

	engine := proxy.NewEngine(proxy.NewOriginDirector(base), c, nil, nil)
	before := hits.Load()

	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://precache.local/css/main.css", nil))

	if got := rr.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("expected X-Cache=HIT, got %q", got)
	}
	if got := rr.Body.String(); got != "origin /app/css/main.css" {
		t.Errorf("unexpected body %q", got)
	}
	if hits.Load() != before {
		t.Errorf("cache hit reached the origin")
	}
}

func TestEngine_StripsHopByHopHeaders(t *testing.T) {
	var seen http.Header
	resolver := resolverFunc(func(_ context.Context, req *http.Request) (*http.Response, fetch.Outcome, error) {
		seen = req.Header.Clone()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header: http.Header{
				"Connection":   []string{"close, X-Hop"},
				"Keep-Alive":   []string{"timeout=5"},
				"X-Hop":        []string{"1"},
				"Content-Type": []string{"text/plain"},
			},
			Body: io.NopCloser(strings.NewReader("ok")),
		}, fetch.OutcomeMiss, nil
	})
	engine := proxy.NewEngine(proxy.NewOriginDirector(mustURL(t, "http://origin")), resolver, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://precache.local/page", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "h2c")
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	if seen.Get("Connection") != "" || seen.Get("Upgrade") != "" {
		t.Errorf("hop-by-hop request headers reached the resolver: %v", seen)
	}
	for _, h := range []string{"Connection", "Keep-Alive", "X-Hop"} {
		if v := rr.Header().Get(h); v != "" {
			t.Errorf("expected response %s to be stripped, got %q", h, v)
		}
	}
	if got := rr.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("end-to-end header lost, got %q", got)
	}
	if got := rr.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("expected X-Cache=MISS, got %q", got)
	}
}
