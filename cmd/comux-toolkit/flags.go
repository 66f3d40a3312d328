package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

var version = "dev"

// cliConfig holds every flag value prior to dispatch in main.go.
type cliConfig struct {
	infile  string
	outfile string
	verbose bool

	show         bool
	convert      bool
	addChunk     string
	rmChunk      int
	extractChunk int
	editChunk    int
	setNumConns  int
	setConn      int
	setSched     int
	setFlags     flagListValue
	showVersion  bool

	rmChunkSet      bool
	extractChunkSet bool
	editChunkSet    bool
	setNumConnsSet  bool
	setConnSet      bool
	setSchedSet     bool
}

// flagListValue implements flag.Value for a comma-separated flag list,
// reparsed on every Set call (repeated flags accumulate; a single flag with
// commas also splits).
type flagListValue []string

func (f *flagListValue) String() string { return strings.Join(*f, ",") }

func (f *flagListValue) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			*f = append(*f, part)
		}
	}
	return nil
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("comux-toolkit", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{rmChunk: -1, extractChunk: -1, editChunk: -1}

	fs.StringVar(&cfg.infile, "infile", "", "input file path (default: stdin)")
	fs.StringVar(&cfg.outfile, "outfile", "", "output file path (default: stdout)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "dump chunk payloads on --show")
	fs.BoolVar(&cfg.verbose, "v", false, "shorthand for -verbose")
	fs.BoolVar(&cfg.showVersion, "version", false, "print version and exit")

	fs.BoolVar(&cfg.show, "show", false, "print a human summary of the manifest")
	fs.BoolVar(&cfg.convert, "convert", false, "wrap raw input as a single-connection, single-chunk manifest")
	fs.StringVar(&cfg.addChunk, "add-chunk", "", "append a new chunk (read from infile) to the manifest at PATH")

	rmChunk := fs.Int("rm-chunk", -1, "remove the chunk at index IDX")
	extractChunk := fs.Int("extract-chunk", -1, "emit only chunk IDX's payload")
	editChunk := fs.Int("edit-chunk", -1, "rewrite chunk IDX's metadata using -set-*")
	setNumConns := fs.Int("set-num-conns", -1, "rewrite the header's num_conns")
	setConn := fs.Int("set-conn", -1, "conn_id for a new/edited chunk")
	setSched := fs.Int("set-sched", -1, "sched for a new/edited chunk")
	fs.Var(&cfg.setFlags, "set-flags", "comma list of AWAIT_RESPONSE, NO_SHUTDOWN, or NONE")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.rmChunk, cfg.rmChunkSet = *rmChunk, flagWasSet(fs, "rm-chunk")
	cfg.extractChunk, cfg.extractChunkSet = *extractChunk, flagWasSet(fs, "extract-chunk")
	cfg.editChunk, cfg.editChunkSet = *editChunk, flagWasSet(fs, "edit-chunk")
	cfg.setNumConns, cfg.setNumConnsSet = *setNumConns, flagWasSet(fs, "set-num-conns")
	cfg.setConn, cfg.setConnSet = *setConn, flagWasSet(fs, "set-conn")
	cfg.setSched, cfg.setSchedSet = *setSched, flagWasSet(fs, "set-sched")

	if err := validateCommands(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func validateCommands(cfg *cliConfig) error {
	commands := 0
	for _, set := range []bool{cfg.show, cfg.convert, cfg.addChunk != "", cfg.rmChunkSet, cfg.extractChunkSet, cfg.editChunkSet, cfg.setNumConnsSet && !cfg.editChunkSet} {
		if set {
			commands++
		}
	}
	if cfg.showVersion {
		return nil
	}
	if commands == 0 {
		return errors.New("no command given: one of -show/-convert/-add-chunk/-rm-chunk/-extract-chunk/-edit-chunk/-set-num-conns is required")
	}
	if commands > 1 {
		return errors.New("only one command may be given at a time")
	}
	return nil
}

func parseFlagList(names []string) (uint32, error) {
	const (
		flagAwaitResponse uint32 = 0x1
		flagNoShutdown    uint32 = 0x2
	)
	var out uint32
	for _, n := range names {
		switch strings.ToUpper(n) {
		case "NONE":
		case "AWAIT_RESPONSE":
			out |= flagAwaitResponse
		case "NO_SHUTDOWN":
			out |= flagNoShutdown
		default:
			return 0, fmt.Errorf("unknown flag %q", n)
		}
	}
	return out, nil
}
