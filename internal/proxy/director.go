package proxy

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"precache/internal/upstream"
)

// OriginDirector rewrites inbound requests onto a single origin.
type OriginDirector struct {
	Origin *url.URL
}

func NewOriginDirector(origin *url.URL) *OriginDirector {
	return &OriginDirector{Origin: origin}
}

func (d *OriginDirector) Direct(req *http.Request) (*http.Request, error) {
	if d.Origin == nil {
		return nil, errors.New("no origin configured")
	}

	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	outReq.URL.Scheme = d.Origin.Scheme
	outReq.URL.Host = d.Origin.Host
	outReq.URL.Path = upstream.JoinPath(d.Origin.Path, req.URL.Path)
	if outReq.URL.RawPath != "" {
		outReq.URL.RawPath = upstream.JoinPath(d.Origin.EscapedPath(), req.URL.EscapedPath())
	}
	outReq.Host = d.Origin.Host
	upstream.RemoveHopHeaders(outReq.Header)

	if clientIP := clientIP(req.RemoteAddr); clientIP != "" {
		prior := req.Header.Get("X-Forwarded-For")
		if prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	return outReq, nil
}

func clientIP(remoteAddr string) string {
	rawAddr := remoteAddr
	if strings.Contains(rawAddr, "://") {
		if parts := strings.SplitN(rawAddr, "://", 2); len(parts) == 2 {
			rawAddr = parts[1]
		}
	}
	if host, _, err := net.SplitHostPort(rawAddr); err == nil {
		return host
	} else if strings.Contains(err.Error(), "missing port in address") {
		return rawAddr
	}
	return ""
}
