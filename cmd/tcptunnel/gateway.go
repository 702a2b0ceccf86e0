package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jhump/tcptunnel"
	"github.com/jhump/tcptunnel/internal/logging"
	"github.com/jhump/tcptunnel/internal/metrics"
	"github.com/jhump/tcptunnel/internal/transport"
)

// how long to let open tunnels drain on shutdown before cutting them off
const shutdownGrace = 10 * time.Second

func gatewayCmd(flags *rootFlags) *cobra.Command {
	var (
		listenAddr     string
		backends       []string
		connectTimeout time.Duration
		maxSessions    int
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve tunnels and relay them to backends",
		Long: `Serve the tunnel gRPC service. Each tunnel is connected to the next
backend in round-robin order. A tunnel whose backend cannot be reached
within the connect timeout fails with an "Internal" error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Gateway.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("backend") {
				cfg.Gateway.Backends = backends
			}
			if cmd.Flags().Changed("connect-timeout") {
				cfg.Gateway.ConnectTimeout = connectTimeout
			}
			if cmd.Flags().Changed("max-sessions") {
				cfg.Gateway.MaxSessions = maxSessions
			}
			if err := cfg.ValidateGateway(); err != nil {
				return err
			}

			logger := newLogger(cfg)
			gw, err := tcptunnel.NewGateway(cfg.Gateway.Backends,
				tcptunnel.WithLogger(logger),
				tcptunnel.WithMetrics(metrics.NewMetrics()),
				tcptunnel.WithChunkSize(cfg.ChunkSize),
				tcptunnel.WithConnectTimeout(cfg.Gateway.ConnectTimeout),
				tcptunnel.WithMaxSessions(cfg.Gateway.MaxSessions),
			)
			if err != nil {
				return err
			}

			lis, err := net.Listen("tcp", cfg.Gateway.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Gateway.ListenAddr, err)
			}
			svr := grpc.NewServer(transport.ServerOptions(cfg.Transport)...)
			gw.Register(svr)
			healthSvr := health.NewServer()
			grpc_health_v1.RegisterHealthServer(svr, healthSvr)
			logger.Info("gateway listening",
				logging.KeyLocalAddr, lis.Addr().String(),
				"backends", cfg.Gateway.Backends,
				"connect_timeout", cfg.Gateway.ConnectTimeout,
				"conn_window", cfg.Transport.ConnWindow.String(),
				"stream_window", cfg.Transport.StreamWindow.String())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			grp, ctx := errgroup.WithContext(ctx)
			grp.Go(func() error {
				return svr.Serve(lis)
			})
			grp.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down", "active_sessions", gw.ActiveSessions())
				healthSvr.Shutdown()
				stopServer(svr, shutdownGrace)
				return nil
			})
			if cfg.MetricsAddr != "" {
				grp.Go(func() error {
					return serveMetrics(ctx, cfg.MetricsAddr, logger)
				})
			}
			return grp.Wait()
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address for the gRPC server (default from config: 0.0.0.0:50051)")
	cmd.Flags().StringArrayVarP(&backends, "backend", "b", nil, "Backend host:port; may be repeated")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 0, "Backend connect timeout (default 3s)")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "Maximum concurrent tunnels, 0 for no limit")

	return cmd
}

// stopServer stops svr gracefully, giving up on the tunnels still open
// after grace.
func stopServer(svr *grpc.Server, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		svr.GracefulStop()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		svr.Stop()
		<-done
	}
}

