package proxy

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"precache/internal/config"
	"precache/internal/lifecycle"
	"precache/internal/logging"
	"precache/internal/metrics"
	"precache/internal/middleware"
	"precache/internal/registry"
	"precache/internal/upstream"
)

type ListenerServer struct {
	Name   string
	Server *http.Server
	TLS    config.TLSConfig
}

// Stack is everything a configured process needs: the controller that owns
// the cache lifecycle and the servers that expose it.
type Stack struct {
	Controller *lifecycle.Controller
	Registry   *registry.Registry
	Listeners  []*ListenerServer
	Metrics    *metrics.Metrics
}

// Close releases the storage backend.
func (s *Stack) Close() error {
	return s.Registry.Backend().Close()
}

type Builder struct {
	cfg    *config.Config
	logger logging.Logger
	reg    *prometheus.Registry
}

func NewBuilder(cfg *config.Config, logger logging.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		logger: logger,
		reg:    prometheus.NewRegistry(),
	}
}

// Controller builds the lifecycle controller alone, for one-shot commands.
func (b *Builder) Controller(ctx context.Context) (*lifecycle.Controller, *registry.Registry, *metrics.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}

	origin, err := b.cfg.OriginURL()
	if err != nil {
		return nil, nil, nil, err
	}
	manifest, err := b.cfg.Manifest()
	if err != nil {
		return nil, nil, nil, err
	}

	backend, err := b.cfg.OpenBackend()
	if err != nil {
		return nil, nil, nil, err
	}
	reg := registry.New(backend)

	transport, err := upstream.NewTransport(upstream.Options{Timeout: b.cfg.Origin.Timeout})
	if err != nil {
		_ = backend.Close()
		return nil, nil, nil, err
	}

	m := metrics.New(b.reg)

	ctrl, err := lifecycle.New(lifecycle.Options{
		Prefix:           b.cfg.Cache.Prefix,
		Version:          b.cfg.Cache.Version,
		Manifest:         manifest,
		Origin:           origin,
		Registry:         reg,
		Client:           &http.Client{Transport: transport, Timeout: b.cfg.Origin.Timeout},
		Transport:        transport,
		Policy:           b.cfg.Policy(),
		ProvisionTimeout: b.cfg.Lifecycle.ProvisionTimeout,
		ReconcileTimeout: b.cfg.Lifecycle.ReconcileTimeout,
		Concurrency:      b.cfg.Lifecycle.Concurrency,
		MaxBodyBytes:     b.cfg.Cache.MaxBodyBytes,
		Logger:           b.logger,
		Metrics:          m,
	})
	if err != nil {
		_ = backend.Close()
		return nil, nil, nil, err
	}
	return ctrl, reg, m, nil
}

func (b *Builder) Build(ctx context.Context) (*Stack, error) {
	ctrl, reg, m, err := b.Controller(ctx)
	if err != nil {
		return nil, err
	}

	origin, _ := b.cfg.OriginURL()
	engine := NewEngine(NewOriginDirector(origin), ctrl, b.logger, m)

	mws := []middleware.Middleware{
		middleware.Recover(b.logger),
		middleware.AccessLog(b.logger),
	}
	appHandler := middleware.Chain(engine, mws...)

	b.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Stack{
		Controller: ctrl,
		Registry:   reg,
		Metrics:    m,
		Listeners: []*ListenerServer{
			{
				Name: "proxy",
				Server: &http.Server{
					Addr:    b.cfg.Server.Address,
					Handler: appHandler,
				},
				TLS: b.cfg.Server.TLS,
			},
			{
				Name: "admin",
				Server: &http.Server{
					Addr:    b.cfg.Server.AdminAddress,
					Handler: AdminHandler(ctrl, b.reg),
				},
			},
		},
	}, nil
}

// AdminHandler serves /metrics, /healthz and /readyz. Readiness follows the
// controller: ready once a Provision has succeeded.
func AdminHandler(ctrl *lifecycle.Controller, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ctrl.Ready() {
			http.Error(w, "store "+ctrl.StoreName()+" not provisioned", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(ctrl.StoreName() + "\n"))
	})
	return mux
}
