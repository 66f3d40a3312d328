// Command comux-replay is a demonstration embedding host: it stands up a
// TCP listener for a minimal echo target, then activates the replay
// orchestrator against that same listener's address, exactly at the
// "successful listen" boundary event described for the orchestrator's
// activation contract. A real deployment activates the orchestrator inside
// the actual server process under test; this binary stands in for that
// process so the orchestrator can be exercised end-to-end from a manifest
// file on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwshugg/comux/internal/logger"
	"github.com/cwshugg/comux/internal/orchestrator"
)

var version = "dev"

func main() {
	var (
		manifestPath = flag.String("manifest", "", "path to a manifest file to replay")
		listenAddr   = flag.String("listen", "127.0.0.1:0", "address the demo target listens on")
		logLevel     = flag.String("log-level", "info", "log level: debug|info|warn|error")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "comux-replay: -manifest is required")
		os.Exit(2)
	}

	logger.Init()
	if err := logger.SetLevel(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "comux-replay: invalid -log-level: %v\n", err)
	}
	log := logger.Logger().With("component", "comux-replay")

	manifestFile, err := os.Open(*manifestPath)
	if err != nil {
		log.Error("failed to open manifest", "error", err)
		os.Exit(24060)
	}
	defer manifestFile.Close()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Error("failed to listen", "error", err)
		os.Exit(24060)
	}
	log.Info("demo target listening", "addr", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveEcho(ctx, ln, log)

	orch := orchestrator.New()
	cfg := orchestrator.ConfigFromEnv()
	if err := orch.Activate(ctx, ln, manifestFile, cfg); err != nil {
		log.Error("orchestrator activation failed", "error", err)
		os.Exit(24060)
	}
}

// serveEcho is the minimal stand-in for "the server under test": it accepts
// whatever connections the orchestrator (and any real client) opens against
// ln and echoes every byte read back to the sender, so a replayed manifest
// with AWAIT_RESPONSE set has something to read back.
func serveEcho(ctx context.Context, ln net.Listener, log interface {
	Info(string, ...any)
	Warn(string, ...any)
}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warn("accept failed", "error", err)
				return
			}
		}
		go func() {
			defer conn.Close()
			buf := make([]byte, 4096)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					if _, werr := conn.Write(buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}
}
