package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"precache/internal/fetch"
	"precache/internal/logging"
	"precache/internal/metrics"
	"precache/internal/upstream"
)

type Director interface {
	Direct(req *http.Request) (*http.Request, error)
}

type Resolver interface {
	Resolve(ctx context.Context, req *http.Request) (*http.Response, fetch.Outcome, error)
}

type Engine struct {
	Director      Director
	Resolver      Resolver
	Logger        logging.Logger
	Metrics       *metrics.Metrics
	FlushInterval time.Duration
}

func NewEngine(d Director, r Resolver, logger logging.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Engine{
		Director:      d,
		Resolver:      r,
		Logger:        logger,
		Metrics:       m,
		FlushInterval: 10 * time.Millisecond,
	}
}

func (e *Engine) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	outReq, err := e.Director.Direct(req)
	if err != nil {
		e.writeError(rw, req, http.StatusBadGateway, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "direct request"))
		return
	}

	resp, outcome, err := e.Resolver.Resolve(ctx, outReq)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		e.writeError(rw, req, status, err)
		return
	}
	defer resp.Body.Close()

	copyHeader(rw.Header(), resp.Header)
	upstream.RemoveHopHeaders(rw.Header())
	rw.Header().Set("X-Cache", xCache(outcome))

	trailerKeys := make([]string, 0, len(resp.Trailer))
	for k := range resp.Trailer {
		trailerKeys = append(trailerKeys, k)
	}
	if len(trailerKeys) > 0 {
		rw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	rw.WriteHeader(resp.StatusCode)
	e.Metrics.ObserveRequest(req.Method, strconv.Itoa(resp.StatusCode))

	var dst io.Writer = rw
	if flusher, ok := rw.(http.Flusher); ok && outcome != fetch.OutcomeHit {
		dst = &flushWriter{w: rw, f: flusher, interval: e.FlushInterval}
	}

	_, copyErr := io.Copy(dst, resp.Body)

	for k, values := range resp.Trailer {
		for _, v := range values {
			rw.Header().Set(k, v)
		}
	}

	if copyErr != nil {
		e.Logger.Error("response copy failed",
			"path", req.URL.Path,
			"outcome", string(outcome),
			"error", copyErr,
		)
	}
}

func (e *Engine) writeError(rw http.ResponseWriter, req *http.Request, status int, err error) {
	e.Logger.Error("request failed",
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"error", err,
	)
	e.Metrics.ObserveRequest(req.Method, strconv.Itoa(status))

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(platformerrors.ToJSON(err))
}

func xCache(o fetch.Outcome) string {
	switch o {
	case fetch.OutcomeHit:
		return "HIT"
	case fetch.OutcomeBypass:
		return "BYPASS"
	default:
		return "MISS"
	}
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// flushWriter flushes at most once per interval, from the writing goroutine.
type flushWriter struct {
	w        io.Writer
	f        http.Flusher
	interval time.Duration
	last     time.Time
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if now := time.Now(); now.Sub(fw.last) >= fw.interval {
		fw.f.Flush()
		fw.last = now
	}
	return n, err
}
