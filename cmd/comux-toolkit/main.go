// Command comux-toolkit inspects and edits manifest files: the companion
// binary specified alongside the manifest codec and replay orchestrator.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/cwshugg/comux/internal/comux"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stdout, "comux-toolkit:", err)
		os.Exit(24060)
	}
}

func run(cfg *cliConfig) error {
	in, err := openInput(cfg.infile)
	if err != nil {
		return err
	}
	defer in.Close()

	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	switch {
	case cfg.convert:
		return writeOutput(cfg, convertRaw(raw))
	case cfg.show:
		return showManifest(cfg, raw)
	case cfg.addChunk != "":
		return addChunk(cfg, raw)
	case cfg.rmChunkSet:
		return rmChunk(cfg, raw)
	case cfg.extractChunkSet:
		return extractChunk(cfg, raw)
	case cfg.editChunkSet:
		return editChunk(cfg, raw)
	case cfg.setNumConnsSet:
		return setNumConns(cfg, raw)
	}
	return fmt.Errorf("no command selected")
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

func writeOutput(cfg *cliConfig, data []byte) error {
	if cfg.outfile == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(cfg.outfile, data, 0o644)
}

func decodeManifest(raw []byte) (*comux.Manifest, error) {
	return comux.Decode(bytes.NewReader(raw))
}

// convertRaw wraps raw bytes as a single-connection, single-chunk manifest.
func convertRaw(raw []byte) []byte {
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 1},
		Chunks: []comux.Chunk{{ConnID: 0, Len: uint64(len(raw)), Sched: 0, Payload: raw}},
	}
	return m.Encode()
}

func showManifest(cfg *cliConfig, raw []byte) error {
	m, err := decodeManifest(raw)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "version=%d num_conns=%d num_chunks=%d\n", m.Header.Version, m.Header.NumConns, m.Header.NumChunks)
	for i, c := range m.Chunks {
		fmt.Fprintf(&buf, "chunk[%d] conn_id=%d len=%d sched=%d flags=0x%x\n", i, c.ConnID, c.Len, c.Sched, c.Flags)
		if cfg.verbose {
			fmt.Fprintf(&buf, "  payload: %q\n", c.Payload)
		}
	}
	return writeOutput(cfg, buf.Bytes())
}

func addChunk(cfg *cliConfig, raw []byte) error {
	existing, err := os.ReadFile(cfg.addChunk)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := decodeManifest(existing)
	if err != nil {
		return err
	}
	flags, err := parseFlagList(cfg.setFlags)
	if err != nil {
		return err
	}
	connID := 0
	if cfg.setConnSet {
		connID = cfg.setConn
	}
	sched := 0
	if cfg.setSchedSet {
		sched = cfg.setSched
	}
	m.Chunks = append(m.Chunks, comux.Chunk{
		ConnID: uint32(connID), Len: uint64(len(raw)), Sched: uint32(sched), Flags: flags, Payload: raw,
	})
	m.Header.NumChunks = uint32(len(m.Chunks))
	if uint32(connID)+1 > m.Header.NumConns {
		m.Header.NumConns = uint32(connID) + 1
	}
	return writeOutput(cfg, m.Encode())
}

func rmChunk(cfg *cliConfig, raw []byte) error {
	m, err := decodeManifest(raw)
	if err != nil {
		return err
	}
	if cfg.rmChunk < 0 || cfg.rmChunk >= len(m.Chunks) {
		return fmt.Errorf("rm-chunk index %d out of range [0,%d)", cfg.rmChunk, len(m.Chunks))
	}
	m.Chunks = append(m.Chunks[:cfg.rmChunk], m.Chunks[cfg.rmChunk+1:]...)
	m.Header.NumChunks = uint32(len(m.Chunks))
	return writeOutput(cfg, m.Encode())
}

func extractChunk(cfg *cliConfig, raw []byte) error {
	m, err := decodeManifest(raw)
	if err != nil {
		return err
	}
	if cfg.extractChunk < 0 || cfg.extractChunk >= len(m.Chunks) {
		return fmt.Errorf("extract-chunk index %d out of range [0,%d)", cfg.extractChunk, len(m.Chunks))
	}
	return writeOutput(cfg, m.Chunks[cfg.extractChunk].Payload)
}

func editChunk(cfg *cliConfig, raw []byte) error {
	m, err := decodeManifest(raw)
	if err != nil {
		return err
	}
	if cfg.editChunk < 0 || cfg.editChunk >= len(m.Chunks) {
		return fmt.Errorf("edit-chunk index %d out of range [0,%d)", cfg.editChunk, len(m.Chunks))
	}
	c := &m.Chunks[cfg.editChunk]
	if cfg.setConnSet {
		c.ConnID = uint32(cfg.setConn)
	}
	if cfg.setSchedSet {
		c.Sched = uint32(cfg.setSched)
	}
	if len(cfg.setFlags) > 0 {
		flags, err := parseFlagList(cfg.setFlags)
		if err != nil {
			return err
		}
		c.Flags = flags
	}
	if uint32(c.ConnID)+1 > m.Header.NumConns {
		m.Header.NumConns = c.ConnID + 1
	}
	return writeOutput(cfg, m.Encode())
}

func setNumConns(cfg *cliConfig, raw []byte) error {
	m, err := decodeManifest(raw)
	if err != nil {
		return err
	}
	m.Header.NumConns = uint32(cfg.setNumConns)
	return writeOutput(cfg, m.Encode())
}
