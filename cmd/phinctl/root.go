package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/PHIN-materials/pair-PHIN/core"
	"github.com/PHIN-materials/pair-PHIN/internal/config"
	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/internal/inference/grpcruntime"
	"github.com/PHIN-materials/pair-PHIN/internal/inference/refmodel"
	"github.com/PHIN-materials/pair-PHIN/internal/logging"
	"github.com/PHIN-materials/pair-PHIN/internal/observability"
)

// app is the state shared by subcommands once flags and config are resolved.
type app struct {
	configPath  string
	runtime     string
	metricsAddr string

	cfg      *config.Config
	log      logging.Logger
	registry *prometheus.Registry

	shutdownTracing func(context.Context) error
	metricsSrv      *http.Server
	client          *grpcruntime.Client
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "phinctl",
		Short:         "Drive the PHIN interatomic potential bridge",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (PHIN_* variables override it)")
	root.PersistentFlags().StringVar(&a.runtime, "runtime", "", "gRPC inference runtime endpoint; empty loads reference models in-process")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics; empty disables it")

	root.AddCommand(
		newVersionCmd(),
		newServeCmd(a),
		newInspectCmd(a),
		newEvalCmd(a),
		newComputeCmd(a),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "phinctl v%s (%s)\n", version, commit)
		},
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("runtime") {
		cfg.Runtime.Endpoint = a.runtime
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Addr = a.metricsAddr
	}
	a.cfg = cfg
	a.log = cfg.Logger()
	a.registry = prometheus.NewRegistry()

	ctx := cmd.Context()
	shutdown, err := observability.InitTracing(ctx, cfg.TracingConfig(), a.log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracing = shutdown
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
		a.client = nil
	}
	if a.metricsSrv != nil {
		errs = append(errs, a.metricsSrv.Shutdown(context.WithoutCancel(ctx)))
		a.metricsSrv = nil
	}
	observability.ShutdownWithTimeout(context.WithoutCancel(ctx), a.shutdownTracing, a.log)
	return errors.Join(errs...)
}

// loader returns the configured model loader: the remote runtime when an
// endpoint is set, otherwise reference models read from disk.
func (a *app) loader() (inference.Loader, error) {
	endpoint := a.cfg.Runtime.Endpoint
	if endpoint == "" {
		return refmodel.Loader{}, nil
	}
	if a.client == nil {
		c, err := grpcruntime.NewClient(endpoint,
			grpcruntime.WithCallTimeout(a.cfg.Runtime.DialTimeout),
			grpcruntime.WithClientLogger(a.log),
		)
		if err != nil {
			return nil, err
		}
		a.client = c
	}
	return a.client, nil
}

// coreOptions wires logging and pipeline metrics into an orchestrator.
func (a *app) coreOptions() ([]core.Option, error) {
	collector, err := observability.NewPipelineCollector(a.registry)
	if err != nil {
		return nil, err
	}
	a.serveMetrics(collector.Handler())
	return []core.Option{core.WithLogger(a.log), core.WithMetrics(collector)}, nil
}

// serveMetrics exposes h on the configured address, once per process.
func (a *app) serveMetrics(h http.Handler) {
	addr := a.cfg.Metrics.Addr
	if addr == "" || a.metricsSrv != nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()
	a.log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	a.metricsSrv = srv
}
