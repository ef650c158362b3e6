package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"precache/internal/config"
	"precache/internal/logging"
	"precache/internal/proxy"
	"precache/internal/registry"
)

const shutdownTimeout = 5 * time.Second

type app struct {
	configPath string
	cfg        *config.Config
	logger     *logging.SlogLogger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "precache",
		Short:         "Versioned offline cache in front of a web origin",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New(cfg.Log.Level).With("prefix", cfg.Cache.Prefix, "version", cfg.Cache.Version)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "./configs/precache.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(a),
		newProvisionCmd(a),
		newReconcileCmd(a),
		newStoresCmd(a),
	)
	return root
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Provision the current version, reconcile stale stores and serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	stack, err := proxy.NewBuilder(a.cfg, a.logger).Build(ctx)
	if err != nil {
		return err
	}
	defer stack.Close()

	g, gctx := errgroup.WithContext(ctx)

	for _, l := range stack.Listeners {
		g.Go(func() error {
			a.logger.Info("listening", "listener", l.Name, "addr", l.Server.Addr, "tls", l.TLS.Enabled)
			var err error
			if l.TLS.Enabled {
				err = l.Server.ListenAndServeTLS(l.TLS.CertFile, l.TLS.KeyFile)
			} else {
				err = l.Server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listener %s: %w", l.Name, err)
			}
			return nil
		})
	}

	// Misses are served from the origin while provisioning runs; /readyz
	// flips once the store is complete. Failures are logged by the
	// controller and leave the proxy serving from the network.
	g.Go(func() error {
		if err := stack.Controller.Provision(gctx); err == nil {
			_, _ = stack.Controller.Reconcile(gctx)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down gracefully")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, l := range stack.Listeners {
			if err := l.Server.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", l.Name, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newProvisionCmd(a *app) *cobra.Command {
	var reconcile bool

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Populate the store for the configured version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, reg, _, err := proxy.NewBuilder(a.cfg, a.logger).Controller(cmd.Context())
			if err != nil {
				return err
			}
			defer reg.Backend().Close()

			if err := ctrl.Provision(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provisioned %s\n", ctrl.StoreName())

			if reconcile {
				n, err := ctrl.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d stale store(s)\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "delete stale stores after a successful provision")
	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Delete stores of the configured prefix left by other versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, reg, _, err := proxy.NewBuilder(a.cfg, a.logger).Controller(cmd.Context())
			if err != nil {
				return err
			}
			defer reg.Backend().Close()

			n, err := ctrl.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d stale store(s)\n", n)
			return nil
		},
	}
}

func newStoresCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "List stores held by the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.cfg.OpenBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			names, err := registry.New(backend).ListStoreNames(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(names)

			current := registry.StoreName(a.cfg.Cache.Prefix, a.cfg.Cache.Version)
			for _, name := range names {
				marker := ""
				switch {
				case name == current:
					marker = "\tcurrent"
				case registry.StaleVersionOf(a.cfg.Cache.Prefix, a.cfg.Cache.Version)(name):
					marker = "\tstale"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", name, marker)
			}
			return nil
		},
	}
}
