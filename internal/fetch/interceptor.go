// Package fetch implements the cache-first retrieval policy: serve a request
// from the current store when it holds the request's identity, otherwise
// forward it to the network unchanged.
//
// Network responses are never written back into the store and cache hits
// are never revalidated.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"precache/internal/cache"
	"precache/internal/logging"
	"precache/internal/metrics"
)

type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeBypass Outcome = "bypass"
	OutcomeError  Outcome = "error"
)

// Source yields the store requests are resolved against. It may return nil
// before any store has been provisioned.
type Source interface {
	Current() cache.Store
}

// StaticSource always resolves against the same store.
type StaticSource struct {
	Store cache.Store
}

func (s StaticSource) Current() cache.Store {
	return s.Store
}

type Interceptor struct {
	Source    Source
	Policy    cache.Policy
	Transport http.RoundTripper
	Logger    logging.Logger
	Metrics   *metrics.Metrics
}

func NewInterceptor(src Source, policy cache.Policy, transport http.RoundTripper, logger logging.Logger, m *metrics.Metrics) *Interceptor {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Interceptor{
		Source:    src,
		Policy:    policy,
		Transport: transport,
		Logger:    logger,
		Metrics:   m,
	}
}

// Resolve answers req from the current store or, on a miss, with exactly
// one network round trip. The returned response body must be closed by the
// caller. Cancellation of ctx is propagated to the network fetch.
func (i *Interceptor) Resolve(ctx context.Context, req *http.Request) (*http.Response, Outcome, error) {
	start := time.Now()

	if req == nil || req.URL == nil {
		i.Metrics.ObserveResolve(string(OutcomeError), time.Since(start))
		return nil, OutcomeError, cache.ResourceUnavailable(errors.New("request has no URL"), "")
	}

	var store cache.Store
	if i.Source != nil {
		store = i.Source.Current()
	}

	id, cacheable := i.Policy.Identify(req)
	outcome := OutcomeBypass

	var matchErr error
	if cacheable {
		outcome = OutcomeMiss
		if store != nil {
			entry, ok, err := store.Match(ctx, id)
			switch {
			case err != nil:
				matchErr = err
				i.Logger.Error("cache read failed, falling back to network",
					"store", store.Name(),
					"identity", id.String(),
					"error", err,
				)
			case ok:
				i.Metrics.ObserveResolve(string(OutcomeHit), time.Since(start))
				return entry.Response(req), OutcomeHit, nil
			}
		}
	}

	resp, err := i.roundTrip(ctx, req)
	if err != nil {
		if matchErr != nil {
			err = errors.Join(err, matchErr)
		}
		i.Metrics.ObserveResolve(string(OutcomeError), time.Since(start))
		return nil, OutcomeError, cache.ResourceUnavailable(err, req.URL.String())
	}

	i.Metrics.ObserveResolve(string(outcome), time.Since(start))
	return resp, outcome, nil
}

func (i *Interceptor) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if i.Transport == nil {
		return nil, errors.New("no network transport configured")
	}
	return i.Transport.RoundTrip(req.WithContext(ctx))
}
