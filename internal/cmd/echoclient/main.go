// Command echoclient drives concurrent echo round trips through a tunnel
// proxy whose gateway points at an echobackend, and checks that every byte
// comes back intact.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jhump/tcptunnel/internal"
)

func main() {
	proxyPort := flag.Int("proxy-port", 8022, "the port on which the tunnel proxy is listening")
	workers := flag.Int("workers", 8, "number of concurrent connections")
	rounds := flag.Int("rounds", 10, "round trips per worker")
	size := flag.Int("size", 5000, "payload size in bytes")
	timeout := flag.Duration("timeout", time.Minute, "overall time limit")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	total, err := internal.SendPayloads(ctx, fmt.Sprintf("127.0.0.1:%d", *proxyPort), *workers, *rounds, *size)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Echoed %s over %d round trips in %v.",
		humanize.IBytes(uint64(total)), *workers**rounds, time.Since(start).Round(time.Millisecond))
}
