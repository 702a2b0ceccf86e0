package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jhump/tcptunnel"
	"github.com/jhump/tcptunnel/internal"
	"github.com/jhump/tcptunnel/internal/logging"
	"github.com/jhump/tcptunnel/internal/metrics"
	"github.com/jhump/tcptunnel/internal/transport"
)

func proxyCmd(flags *rootFlags) *cobra.Command {
	var (
		localAddr   string
		remoteAddr  string
		maxSessions int
		noWait      bool
		waitTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Accept TCP connections and tunnel them to a gateway",
		Long: `Accept TCP connections on a local address and carry each one over its
own gRPC stream to the gateway. By default the proxy connects to the
gateway before accepting connections and exits if it cannot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("local") {
				cfg.Proxy.LocalAddr = localAddr
			}
			if cmd.Flags().Changed("remote") {
				cfg.Proxy.RemoteAddr = remoteAddr
			}
			if cmd.Flags().Changed("max-sessions") {
				cfg.Proxy.MaxSessions = maxSessions
			}
			if noWait {
				cfg.Proxy.WaitForGateway = false
			}
			if err := cfg.ValidateProxy(); err != nil {
				return err
			}

			logger := newLogger(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cc, err := dialGateway(ctx, cfg.Proxy.RemoteAddr, cfg.Proxy.WaitForGateway, waitTimeout, transport.DialOptions(cfg.Transport))
			if err != nil {
				return err
			}
			defer func() {
				_ = cc.Close()
			}()
			logger.Info("gateway channel created",
				logging.KeyRemoteAddr, cfg.Proxy.RemoteAddr,
				"conn_window", cfg.Transport.ConnWindow.String(),
				"stream_window", cfg.Transport.StreamWindow.String())

			p := tcptunnel.NewProxy(cc,
				tcptunnel.WithLogger(logger),
				tcptunnel.WithMetrics(metrics.NewMetrics()),
				tcptunnel.WithChunkSize(cfg.ChunkSize),
				tcptunnel.WithMaxSessions(cfg.Proxy.MaxSessions),
			)

			grp, ctx := errgroup.WithContext(ctx)
			grp.Go(func() error {
				err := p.ListenAndServe(ctx, cfg.Proxy.LocalAddr)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			if cfg.MetricsAddr != "" {
				grp.Go(func() error {
					return serveMetrics(ctx, cfg.MetricsAddr, logger)
				})
			}
			return grp.Wait()
		},
	}

	cmd.Flags().StringVarP(&localAddr, "local", "l", "", "Local address to accept TCP connections on")
	cmd.Flags().StringVarP(&remoteAddr, "remote", "r", "", "The gateway's gRPC address")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "Maximum concurrent connections, 0 for no limit")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Start accepting without waiting for the gateway to be reachable")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 10*time.Second, "How long to wait for the gateway at startup")

	return cmd
}

func dialGateway(ctx context.Context, addr string, wait bool, timeout time.Duration, opts []grpc.DialOption) (*grpc.ClientConn, error) {
	if wait {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return internal.BlockingDial(ctx, addr, opts...)
	}
	dialer := internal.NewKeepAliveDialer()
	return grpc.NewClient(addr, append(opts, grpc.WithContextDialer(func(ctx context.Context, target string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", target)
	}))...)
}
