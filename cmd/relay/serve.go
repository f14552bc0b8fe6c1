package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opentalon/relay/internal/app"
	"github.com/opentalon/relay/internal/health"
	"github.com/opentalon/relay/internal/metrics"
	"github.com/opentalon/relay/internal/server"
	"github.com/opentalon/relay/internal/version"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversations over websocket with metrics and gRPC health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := root.load(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root, origins)
		},
	}
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "websocket origin patterns to accept from other hosts")
	return cmd
}

func serve(ctx context.Context, root *rootOptions, origins []string) error {
	cfg, logger := root.cfg, root.logger
	logger.Info("starting", zap.Stringer("version", version.Get()))

	rec := metrics.New()
	a, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithMetrics(rec))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	hs := health.NewServer(logger.Named("health"))
	srv := server.New(a, a.Model(),
		server.WithLogger(logger.Named("server")),
		server.WithMetrics(rec),
		server.WithLocationHandler(a.SetLocation),
		server.WithOriginPatterns(origins...))

	var prober *health.Prober
	if cfg.Model.ProbeInterval > 0 {
		prober, err = health.NewProber(a.Model(), cfg.Model.ProbeInterval, logger.Named("prober"))
		if err != nil {
			return err
		}
	}
	var grpcLis net.Listener
	if cfg.Server.GRPCListen != "" {
		grpcLis, err = net.Listen("tcp", cfg.Server.GRPCListen)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// hijacked websocket connections end with the server
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		hs.Mirror(ctx, a.Model())
		return nil
	})
	g.Go(func() error {
		a.Start(ctx)
		return nil
	})
	if prober != nil {
		prober.Start()
		defer prober.Stop()
	}
	if grpcLis != nil {
		g.Go(func() error { return hs.Serve(grpcLis) })
	}
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		hs.Stop()
		return err
	})

	return g.Wait()
}
