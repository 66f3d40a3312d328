// Command comux-mutator is a thin CLI shim over internal/mutator, for a
// fuzzer host that drives the mutator as a subprocess rather than linking
// against the Go package directly. It reads a candidate manifest from
// stdin (or -infile) and writes one mutated candidate to stdout (or
// -outfile).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cwshugg/comux/internal/logger"
	"github.com/cwshugg/comux/internal/mutator"
)

var version = "dev"

func main() {
	var (
		infile      = flag.String("infile", "", "input manifest path (default: stdin)")
		outfile     = flag.String("outfile", "", "output manifest path (default: stdout)")
		havoc       = flag.Bool("havoc", false, "force the CHUNK_DATA_HAVOC strategy")
		describe    = flag.Bool("describe", false, "print the applied strategy's name to stderr")
		seed        = flag.Int64("seed", 1, "RNG seed")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg := mutator.ConfigFromEnv()
	logger.Init()
	switch {
	case cfg.LogDest.Stderr:
		logger.UseWriter(os.Stderr)
	case cfg.LogDest.FilePath != "":
		if f, err := os.OpenFile(cfg.LogDest.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			logger.UseWriter(f)
		}
	}

	d, err := mutator.Init(*seed, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "comux-mutator: init:", err)
		os.Exit(24060)
	}
	defer d.Deinit()

	in, err := openInput(*infile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "comux-mutator:", err)
		os.Exit(24060)
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "comux-mutator: read:", err)
		os.Exit(24060)
	}

	var out []byte
	if *havoc {
		out = d.Havoc(data)
	} else {
		out = d.Fuzz(data)
	}

	if err := writeOutput(*outfile, out); err != nil {
		fmt.Fprintln(os.Stderr, "comux-mutator: write:", err)
		os.Exit(24060)
	}

	if *describe {
		fmt.Fprintln(os.Stderr, "strategy:", d.Describe())
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open infile: %w", err)
	}
	return f, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
