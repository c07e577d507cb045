// Package main provides the connector-mock binary: a standalone HTTP server
// imitating a single payment connector's processing behavior. The test
// runner spawns one per connector under test.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mjelen/payrun/pkg/mockserver"
)

var version = "dev"

func main() {
	var (
		connector   = flag.String("connector", "", "connector to imitate (stripe, adyen, ...)")
		port        = flag.Int("port", 0, "listen port (default: the connector's assigned port)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("connector-mock %s\n", version)
		return
	}
	if *connector == "" {
		fmt.Fprintln(os.Stderr, "Error: --connector is required")
		flag.Usage()
		os.Exit(2)
	}

	mapping, ok := mockserver.DefaultMappings[*connector]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: no mock behavior for connector %q\n", *connector)
		os.Exit(2)
	}
	if *port == 0 {
		*port = mapping.Port
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(
		slog.String("connector", *connector),
	)

	srv := mockserver.NewServer(mockserver.Profile{
		Name:    mapping.MockName,
		ThreeDS: mapping.ThreeDS,
	}, logger)

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	logger.Info("mock listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
