// Package tcptunnel carries TCP connections over gRPC streams.
//
// A Proxy accepts plain TCP connections and, for each one, opens a
// bidirectional TunnelService.Tunnel call. The connection's bytes are sent
// as a sequence of chunks and the chunks that come back are written to the
// connection. A Gateway serves that call: it picks a backend address in
// round-robin order, dials it, and relays chunks between the stream and
// the backend connection.
//
// Each TCP connection gets its own stream, so a slow connection never
// blocks another one. Within one direction of one connection, bytes arrive
// in order and exactly once; the two directions are independent.
//
// This is useful when the only path between two networks is one that
// permits HTTP/2 (gRPC) traffic but not arbitrary TCP.
package tcptunnel

//go:generate bash -c "cd proto && buf generate"
