// Package transport translates tunnel configuration into gRPC server and
// dial options.
package transport

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jhump/tcptunnel/internal/config"
)

// ServerOptions returns the options for the gateway's gRPC server.
func ServerOptions(cfg config.TransportConfig) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.InitialConnWindowSize(int32(cfg.ConnWindow)),
		grpc.InitialWindowSize(int32(cfg.StreamWindow)),
	}
}

// DialOptions returns the options for the proxy's channel to the gateway.
// The channel is not encrypted.
func DialOptions(cfg config.TransportConfig) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithInitialConnWindowSize(int32(cfg.ConnWindow)),
		grpc.WithInitialWindowSize(int32(cfg.StreamWindow)),
	}
}
