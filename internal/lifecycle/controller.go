// Package lifecycle sequences the three phases of a cache generation:
// Provision populates the store for this deployment's version, Reconcile
// removes stores left behind by superseded versions, and Resolve answers
// requests against the provisioned store.
//
// Ordering between phases is the caller's job: Provision must have
// returned before Resolve is expected to hit, while Reconcile may overlap
// in-flight Resolve calls.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"precache/internal/cache"
	"precache/internal/fetch"
	"precache/internal/logging"
	"precache/internal/metrics"
	"precache/internal/registry"
	"precache/internal/upstream"
)

const (
	defaultConcurrency  = 8
	defaultMaxBodyBytes = 1 << 20 // 1 MiB
	discardTimeout      = 10 * time.Second
)

type Options struct {
	Prefix  string
	Version string
	// Manifest lists resources to pre-cache, relative to Origin.
	Manifest []string
	Origin   *url.URL
	Registry *registry.Registry
	// Client fetches manifest resources during Provision.
	Client *http.Client
	// Transport carries requests that miss the cache.
	Transport http.RoundTripper
	Policy    cache.Policy

	ProvisionTimeout time.Duration
	ReconcileTimeout time.Duration
	Concurrency      int
	MaxBodyBytes     int64

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

type Controller struct {
	opts        Options
	storeName   string
	interceptor *fetch.Interceptor
	group       singleflight.Group

	mu      sync.RWMutex
	current cache.Store
}

func New(opts Options) (*Controller, error) {
	if err := registry.ValidatePrefix(opts.Prefix); err != nil {
		return nil, err
	}
	if err := registry.ValidateVersion(opts.Version); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		return nil, errors.New("lifecycle: registry is required")
	}
	if opts.Origin == nil && len(opts.Manifest) > 0 {
		return nil, errors.New("lifecycle: origin is required to provision a manifest")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: opts.Transport}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop{}
	}

	c := &Controller{
		opts:      opts,
		storeName: registry.StoreName(opts.Prefix, opts.Version),
	}
	c.interceptor = fetch.NewInterceptor(c, opts.Policy, opts.Transport, opts.Logger, opts.Metrics)
	return c, nil
}

// StoreName is the name of the store this controller provisions.
func (c *Controller) StoreName() string {
	return c.storeName
}

// Current returns the provisioned store, or nil before a successful
// Provision.
func (c *Controller) Current() cache.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Controller) Ready() bool {
	return c.Current() != nil
}

// Provision fetches every manifest resource and stores the complete set
// under this version's store name. Either all resources are stored and the
// store becomes current, or the attempt fails and the previous state is
// kept. Failures are not retried.
//
// Concurrent calls share one attempt. The attempt runs detached from any
// single caller, bounded only by ProvisionTimeout, so a caller that gives
// up does not fail the others; it returns its own context error.
func (c *Controller) Provision(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cache.ProvisionIncomplete(err, c.storeName, "")
	}

	ch := c.group.DoChan("provision", func() (interface{}, error) {
		return nil, c.provision(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return cache.ProvisionIncomplete(ctx.Err(), c.storeName, "")
	}
}

func (c *Controller) provision(ctx context.Context) error {
	if c.opts.ProvisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ProvisionTimeout)
		defer cancel()
	}

	start := time.Now()
	log := c.opts.Logger
	log.Info("provisioning store", "store", c.storeName, "resources", len(c.opts.Manifest))

	existed, err := c.opts.Registry.Has(ctx, c.storeName)
	if err != nil {
		c.opts.Metrics.ObserveProvision("failure", 0)
		log.Error("provision failed", "store", c.storeName, "error", err)
		return err
	}

	store, err := c.opts.Registry.Open(ctx, c.storeName)
	if err != nil {
		c.opts.Metrics.ObserveProvision("failure", 0)
		log.Error("provision failed", "store", c.storeName, "error", err)
		return err
	}

	records, err := c.fetchManifest(ctx)
	if err == nil {
		err = store.PutAll(ctx, records)
	}
	if err != nil {
		c.opts.Metrics.ObserveProvision("failure", 0)
		if existed {
			c.adopt(ctx, store)
		} else if derr := c.discard(ctx, store); derr != nil {
			err = errors.Join(err, derr)
		}
		log.Error("provision failed", "store", c.storeName, "error", err)
		return err
	}

	c.mu.Lock()
	c.current = store
	c.mu.Unlock()

	c.opts.Metrics.ObserveProvision("success", len(records))
	log.Info("store provisioned",
		"store", c.storeName,
		"resources", len(records),
		"duration", time.Since(start).String(),
	)
	return nil
}

// adopt promotes a store of this version that an earlier process left in
// the backend. Only complete stores outlive a failed attempt, so a
// non-empty one can serve while the origin is unreachable.
func (c *Controller) adopt(ctx context.Context, store cache.Store) {
	if c.Current() != nil {
		return
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()

	n, err := store.Len(actx)
	if err != nil || n == 0 {
		return
	}

	c.mu.Lock()
	if c.current == nil {
		c.current = store
	}
	c.mu.Unlock()
	c.opts.Logger.Info("adopted existing store", "store", store.Name(), "entries", n)
}

// discard removes a store created by a failed attempt.
func (c *Controller) discard(ctx context.Context, store cache.Store) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()

	if _, err := c.opts.Registry.Delete(dctx, store.Name()); err != nil {
		return fmt.Errorf("discard partial store %s: %w", store.Name(), err)
	}
	return nil
}

func (c *Controller) fetchManifest(ctx context.Context) ([]cache.Record, error) {
	records := make([]cache.Record, len(c.opts.Manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for i, resource := range c.opts.Manifest {
		g.Go(func() error {
			rec, err := c.fetchResource(gctx, resource)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Controller) fetchResource(ctx context.Context, resource string) (cache.Record, error) {
	target, err := upstream.ResourceURL(c.opts.Origin, resource)
	if err != nil {
		return cache.Record{}, cache.ProvisionIncomplete(err, c.storeName, resource)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.Record{}, cache.ProvisionIncomplete(err, c.storeName, resource)
	}

	id, ok := c.opts.Policy.Identify(req)
	if !ok {
		return cache.Record{}, cache.ProvisionIncomplete(errors.New("resource has no cache identity"), c.storeName, resource)
	}

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return cache.Record{}, cache.ProvisionIncomplete(err, c.storeName, resource)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cache.Record{}, cache.ProvisionIncomplete(fmt.Errorf("unexpected status %d", resp.StatusCode), c.storeName, resource)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return cache.Record{}, cache.ProvisionIncomplete(err, c.storeName, resource)
	}
	if int64(len(body)) > c.opts.MaxBodyBytes {
		return cache.Record{}, cache.ProvisionIncomplete(fmt.Errorf("body exceeds %d bytes", c.opts.MaxBodyBytes), c.storeName, resource)
	}

	c.opts.Logger.Debug("resource fetched", "store", c.storeName, "resource", resource, "bytes", len(body))
	return cache.Record{
		Identity: id,
		Entry:    cache.NewEntry(resp, body, time.Now()),
	}, nil
}

// Reconcile deletes every store of this prefix whose version is not the
// controller's. It returns the number of stores removed; a second call
// without an intervening Provision of another version removes nothing.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	if c.opts.ReconcileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ReconcileTimeout)
		defer cancel()
	}

	n, err := c.opts.Registry.DeleteWhere(ctx, registry.StaleVersionOf(c.opts.Prefix, c.opts.Version))
	c.opts.Metrics.AddReconcileDeleted(n)
	if err != nil {
		c.opts.Logger.Error("reconcile failed", "prefix", c.opts.Prefix, "deleted", n, "error", err)
		return n, err
	}

	c.opts.Logger.Info("stale stores reconciled", "prefix", c.opts.Prefix, "current", c.opts.Version, "deleted", n)
	return n, nil
}

// Resolve answers req against the store current at call time.
func (c *Controller) Resolve(ctx context.Context, req *http.Request) (*http.Response, fetch.Outcome, error) {
	return c.interceptor.Resolve(ctx, req)
}

func (c *Controller) Interceptor() *fetch.Interceptor {
	return c.interceptor
}
