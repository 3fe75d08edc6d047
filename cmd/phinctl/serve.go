package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/PHIN-materials/pair-PHIN/internal/inference/grpcruntime"
	"github.com/PHIN-materials/pair-PHIN/internal/inference/refmodel"
	"github.com/PHIN-materials/pair-PHIN/internal/logging"
	"github.com/PHIN-materials/pair-PHIN/internal/observability"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host reference models behind the gRPC inference runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.startRuntime(cmd.Context(), listen)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inference runtime listening on %s\n", rt.addr)
			return rt.wait(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7443", "TCP address the inference runtime listens on")
	return cmd
}

// runtimeServer is a running inference runtime.
type runtimeServer struct {
	addr   string
	grpc   *grpc.Server
	models *grpcruntime.Server
	done   chan error
	log    logging.Logger
}

func (a *app) startRuntime(ctx context.Context, listen string) (*runtimeServer, error) {
	collector, err := observability.NewRPCCollector(a.registry)
	if err != nil {
		return nil, fmt.Errorf("initialise metrics collector: %w", err)
	}
	a.serveMetrics(collector.Handler())

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listen, err)
	}
	models := grpcruntime.NewServer(refmodel.Loader{}, a.log)
	srv := grpcruntime.NewGRPCServer(models, collector)

	rt := &runtimeServer{
		addr:   lis.Addr().String(),
		grpc:   srv,
		models: models,
		done:   make(chan error, 1),
		log:    a.log,
	}
	a.log.Info(ctx, "starting inference runtime", logging.String("addr", rt.addr))
	go func() {
		rt.done <- srv.Serve(lis)
	}()
	return rt, nil
}

// wait blocks until ctx is cancelled or the server fails, then drains
// in-flight calls and unloads every model.
func (rt *runtimeServer) wait(ctx context.Context) error {
	var serveErr error
	select {
	case <-ctx.Done():
		rt.log.Info(context.WithoutCancel(ctx), "shutting down inference runtime")
		rt.grpc.GracefulStop()
		serveErr = <-rt.done
	case serveErr = <-rt.done:
	}
	if errors.Is(serveErr, grpc.ErrServerStopped) {
		serveErr = nil
	}
	return errors.Join(serveErr, rt.models.Close())
}
