// Package comux implements the manifest container format: a fixed header
// followed by an ordered sequence of chunk records, each with its own
// fixed-size header and variable-length payload.
package comux

import "sort"

const (
	// Magic is the exact 8-byte literal every manifest begins with.
	Magic = "comux!!!"
	// Version is the only header version value this decoder accepts.
	Version = uint32(0)

	// HeaderSize is the encoded size, in bytes, of the manifest header.
	HeaderSize = 8 + 4 + 4 + 4
	// ChunkHeaderSize is the encoded size, in bytes, of one chunk record's
	// fixed header (everything but its payload).
	ChunkHeaderSize = 4 + 8 + 4 + 4

	// MinNumConns and MaxNumConns bound Header.NumConns.
	MinNumConns = 1
	MaxNumConns = 4096
	// MinNumChunks and MaxNumChunks bound Header.NumChunks.
	MinNumChunks = 1
	MaxNumChunks = 8192

	// MaxChunkLen is the largest payload a single chunk may declare; longer
	// declared lengths are clamped when read.
	MaxChunkLen = 524288
)

// Chunk flag bits. Bits outside FlagMask are rejected by the validator; the
// orchestrator validates a manifest before replaying it, so a manifest that
// carries them is not replayed.
const (
	FlagAwaitResponse uint32 = 0x1
	FlagNoShutdown    uint32 = 0x2
	FlagMask          uint32 = FlagAwaitResponse | FlagNoShutdown
)

// Header is the manifest's fixed 20-byte preamble.
type Header struct {
	Version   uint32
	NumConns  uint32
	NumChunks uint32
}

// Chunk is one payload destined for one logical connection, annotated with
// its scheduling rank and flags. Offset is the absolute byte position, in
// the decoded source, of this chunk's 20-byte header; it is populated by
// Decode and ScanHeaders and is the value a later positional re-read (the
// orchestrator worker's payload load) seeks back to, plus ChunkHeaderSize.
// Payload is nil when only the header was scanned (ScanHeaders) rather than
// fully decoded (Decode).
type Chunk struct {
	ConnID  uint32
	Len     uint64
	Sched   uint32
	Flags   uint32
	Payload []byte
	Offset  int64
}

// Manifest is the ordered pair (Header, Chunks) described by the container
// format: Header.NumChunks must equal len(Chunks) for a well-formed value,
// but Decode does not itself enforce that — see Validate.
type Manifest struct {
	Header Header
	Chunks []Chunk
}

// Clone returns a deep copy, safe for a mutator strategy to edit without
// aliasing the original candidate's backing arrays.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{Header: m.Header, Chunks: make([]Chunk, len(m.Chunks))}
	for i, c := range m.Chunks {
		cc := c
		if c.Payload != nil {
			cc.Payload = make([]byte, len(c.Payload))
			copy(cc.Payload, c.Payload)
		}
		out.Chunks[i] = cc
	}
	return out
}

// ChunksByConn groups chunk indices by ConnID, each group's indices ordered
// by Sched ascending, ties broken by original array order: the per-connection
// relative transmission order a replay worker walks.
func (m *Manifest) ChunksByConn() map[uint32][]int {
	groups := make(map[uint32][]int)
	for i, c := range m.Chunks {
		groups[c.ConnID] = append(groups[c.ConnID], i)
	}
	for _, idxs := range groups {
		sortStableBySched(m.Chunks, idxs)
	}
	return groups
}

// sortStableBySched sorts idxs (indices into chunks) ascending by Sched,
// breaking ties by original array order.
func sortStableBySched(chunks []Chunk, idxs []int) {
	sort.SliceStable(idxs, func(a, b int) bool {
		return chunks[idxs[a]].Sched < chunks[idxs[b]].Sched
	})
}

// TransmissionOrder returns chunk indices across all connections ordered by
// ascending Sched, ties broken by array order.
func (m *Manifest) TransmissionOrder() []int {
	idxs := make([]int, len(m.Chunks))
	for i := range idxs {
		idxs[i] = i
	}
	sortStableBySched(m.Chunks, idxs)
	return idxs
}
