// Command echobackend is a TCP echo server, for use as a tunnel backend in
// manual and load tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"

	"github.com/jhump/tcptunnel/internal"
	"github.com/jhump/tcptunnel/internal/logging"
)

func main() {
	port := flag.Int("port", 26354, "the port on which this server will listen")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	flag.Parse()

	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", *port))
	if err != nil {
		log.Fatal(err)
	}
	log.Println("Listening on", lis.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := internal.ServeEcho(ctx, lis, logging.NewLogger(*logLevel, "text")); err != nil {
		log.Fatal(err)
	}
}
