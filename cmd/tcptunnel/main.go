// Command tcptunnel runs either side of a TCP-over-gRPC tunnel.
//
// The proxy accepts local TCP connections and carries each one over a
// gRPC stream to a gateway. The gateway connects each stream to one of its
// backends, in round-robin order.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jhump/tcptunnel/internal/config"
	"github.com/jhump/tcptunnel/internal/logging"
)

var (
	// Version is set at build time
	Version = "dev"
)

type rootFlags struct {
	configPath string
	logLevel   string
	chunkSize  int
}

func main() {
	var flags rootFlags
	rootCmd := &cobra.Command{
		Use:   "tcptunnel",
		Short: "Carry TCP connections over gRPC streams",
		Long: `tcptunnel carries TCP connections across networks that only allow
gRPC (HTTP/2) traffic.

Run "tcptunnel gateway" where the backends are reachable, and
"tcptunnel proxy" where the TCP clients are. Every connection accepted
by the proxy gets its own gRPC stream to the gateway.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().IntVar(&flags.chunkSize, "chunk-size", 0, "Size of the buffer used to read from TCP connections")

	rootCmd.AddCommand(proxyCmd(&flags))
	rootCmd.AddCommand(gatewayCmd(&flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies the flags shared by
// all subcommands.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if cmd.Flags().Changed("chunk-size") {
		cfg.ChunkSize = flags.chunkSize
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
}

// serveMetrics serves Prometheus metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	svr := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svr.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", logging.KeyLocalAddr, lis.Addr().String())
	if err := svr.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
