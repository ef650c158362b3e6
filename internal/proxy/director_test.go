package proxy_test

import (
	"net/http"
	"net/url"
	"testing"

	"precache/internal/proxy"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestOriginDirector_RewritesOntoOrigin(t *testing.T) {
	d := proxy.NewOriginDirector(mustURL(t, "http://origin.internal:9000"))

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/css/main.css?v=1", nil)
	req.RequestURI = "/css/main.css?v=1"
	req.RemoteAddr = "10.0.0.1:1234"

	outReq, err := d.Direct(req)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if got := outReq.URL.String(); got != "http://origin.internal:9000/css/main.css?v=1" {
		t.Errorf("unexpected URL: %s", got)
	}
	if outReq.Host != "origin.internal:9000" {
		t.Errorf("expected Host=origin.internal:9000, got %q", outReq.Host)
	}
	if outReq.RequestURI != "" {
		t.Errorf("RequestURI must be cleared for client requests, got %q", outReq.RequestURI)
	}
	if got := outReq.Header.Get("X-Forwarded-For"); got != "10.0.0.1" {
		t.Errorf("expected X-Forwarded-For=10.0.0.1, got %q", got)
	}
	if req.URL.Host != "example.com" {
		t.Errorf("inbound request was mutated: %s", req.URL)
	}
}

func TestOriginDirector_OriginBasePath(t *testing.T) {
	d := proxy.NewOriginDirector(mustURL(t, "https://cdn.example.com/app/"))

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/index.html", nil)
	outReq, err := d.Direct(req)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if got := outReq.URL.String(); got != "https://cdn.example.com/app/index.html" {
		t.Errorf("unexpected URL: %s", got)
	}
}

func TestOriginDirector_NoOrigin(t *testing.T) {
	d := proxy.NewOriginDirector(nil)

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/other", nil)
	if _, err := d.Direct(req); err == nil {
		t.Fatal("expected error without origin, got nil")
	}
}

func TestOriginDirector_XForwardedFor_Appending(t *testing.T) {
	d := proxy.NewOriginDirector(mustURL(t, "http://origin"))

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.5")
	req.RemoteAddr = "172.16.0.10:54321"

	outReq, _ := d.Direct(req)

	expected := "192.168.1.1, 10.0.0.5, 172.16.0.10"
	if got := outReq.Header.Get("X-forwarded-For"); got != expected {
		t.Errorf("X-Forwarded-For Appending failed.\nExpected: %q\nGot: \t%q", expected, got)
	}
	req2, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req2.RemoteAddr = "10.0.0.25"
	outReq2, _ := d.Direct(req2)

	expected2 := "10.0.0.25"
	if got := outReq2.Header.Get("X-Forwarded-For"); got != expected2 {
		t.Errorf("X-Forwarded-For for bare IP failed. Expected: %q, Got: %q", expected2, got)
	}

	req3, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req3.RemoteAddr = "tcp://10.0.0.50:8080"
	outReq3, err := d.Direct(req3)

	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	expected3 := "10.0.0.50"
	if got := outReq3.Header.Get("X-Forwarded-For"); got != expected3 {
		t.Errorf("X-Forwarded-For scheme sanitization failed.\nExpected: %q\nGot:\t%q", expected3, got)
	}
}

func TestOriginDirector_StripsHopByHopHeaders(t *testing.T) {
	d := proxy.NewOriginDirector(mustURL(t, "http://origin"))

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Connection", "keep-alive, X-Session-Hint")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	req.Header.Set("X-Session-Hint", "abc")
	req.Header.Set("Accept-Language", "fr")

	outReq, err := d.Direct(req)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	for _, h := range []string{"Connection", "Keep-Alive", "Upgrade", "Te", "Proxy-Authorization", "X-Session-Hint"} {
		if v := outReq.Header.Get(h); v != "" {
			t.Errorf("expected %s to be stripped, got %q", h, v)
		}
	}
	if got := outReq.Header.Get("Accept-Language"); got != "fr" {
		t.Errorf("end-to-end header lost, got %q", got)
	}
	if req.Header.Get("Connection") == "" {
		t.Errorf("inbound request headers were mutated")
	}
}
