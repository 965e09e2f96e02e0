// Command gca is the Guest Control Agent: it runs inside a micro-VM,
// connects out to the host over vsock (or a Unix socket standing in
// for vsock in test/dev environments), and services ping/exec requests
// from the host.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"vmgate/internal/gca"
)

func main() {
	unixSocket := flag.String("unix-socket", "", "path to a Unix socket standing in for the host's vsock endpoint (vsock is used when unset)")
	vsockPort := flag.Uint("vsock-port", gca.DefaultVsockPort, "host vsock port to dial")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	var err error
	if *unixSocket != "" {
		slog.Info("gca connecting over unix socket", "path", *unixSocket)
		err = gca.ConnectOutboundUDS(*unixSocket)
	} else {
		slog.Info("gca connecting over vsock", "port", *vsockPort)
		err = gca.ConnectOutbound(uint32(*vsockPort))
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}
}
