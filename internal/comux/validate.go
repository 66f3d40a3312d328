package comux

import "fmt"

// ValidateHeader checks h's bounds independent of any chunk data. Unlike the
// codec's decode errors, these are plain string diagnostics: validation
// failures are a distinct, lighter-weight error category from parse errors
// and callers never need to branch on a Kind here.
func ValidateHeader(h Header) error {
	if h.Version != Version {
		return fmt.Errorf("comux: header.version: got %d, want %d", h.Version, Version)
	}
	if h.NumConns < MinNumConns || h.NumConns > MaxNumConns {
		return fmt.Errorf("comux: header.num_conns: %d out of range [%d,%d]", h.NumConns, MinNumConns, MaxNumConns)
	}
	if h.NumChunks < MinNumChunks || h.NumChunks > MaxNumChunks {
		return fmt.Errorf("comux: header.num_chunks: %d out of range [%d,%d]", h.NumChunks, MinNumChunks, MaxNumChunks)
	}
	return nil
}

// ValidateChunk checks one chunk record's fields in isolation: ConnID must
// address a logical connection declared by the header, Flags must not set
// bits outside FlagMask, and Len must equal len(Payload) (it does when
// produced by Decode, but a mutator-synthesized chunk must be checked).
func ValidateChunk(c Chunk, numConns uint32, op string) error {
	if c.ConnID >= numConns {
		return fmt.Errorf("comux: %s.conn_id: %d >= num_conns %d", op, c.ConnID, numConns)
	}
	if c.Flags&^FlagMask != 0 {
		return fmt.Errorf("comux: %s.flags: unknown bits 0x%x", op, c.Flags&^FlagMask)
	}
	if c.Payload != nil && c.Len != uint64(len(c.Payload)) {
		return fmt.Errorf("comux: %s.len: declared %d, have %d", op, c.Len, len(c.Payload))
	}
	return nil
}

// Validate checks a fully decoded manifest against every structural
// invariant: header bounds, every chunk's fields, the declared chunk count
// matching len(Chunks), and connection-id coverage — every id in
// [0, NumConns) must be referenced by at least one chunk, since a
// connection with no chunks would never be opened.
func Validate(m *Manifest) error {
	if err := ValidateHeader(m.Header); err != nil {
		return err
	}
	if uint32(len(m.Chunks)) != m.Header.NumChunks {
		return fmt.Errorf("comux: manifest.chunks: header declares %d, have %d", m.Header.NumChunks, len(m.Chunks))
	}

	covered := make([]bool, m.Header.NumConns)
	for i, c := range m.Chunks {
		if err := ValidateChunk(c, m.Header.NumConns, chunkOp(i)); err != nil {
			return err
		}
		covered[c.ConnID] = true
	}
	for id, ok := range covered {
		if !ok {
			return fmt.Errorf("comux: manifest.coverage: conn_id %d has no chunks", id)
		}
	}
	return nil
}
