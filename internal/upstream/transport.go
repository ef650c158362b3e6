package upstream

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

type Options struct {
	// Timeout bounds dialing and waiting for response headers. Zero keeps
	// the transport defaults.
	Timeout time.Duration
}

// NewTransport returns the round tripper used for every origin fetch, both
// manifest fetches during provisioning and cache misses.
func NewTransport(opts Options) (*http.Transport, error) {
	dialTimeout := 30 * time.Second
	if opts.Timeout > 0 && opts.Timeout < dialTimeout {
		dialTimeout = opts.Timeout
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}
	return tr, nil
}
