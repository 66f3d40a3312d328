package comux

import (
	"encoding/binary"
	"errors"
	"io"
	"strconv"
)

// EncodeHeader serializes h into its fixed 20-byte wire form: the magic
// literal, then version/num_conns/num_chunks as little-endian u32s.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.NumConns)
	binary.LittleEndian.PutUint32(buf[16:20], h.NumChunks)
	return buf
}

// DecodeHeader reads and parses a manifest header from r, in wire order, so
// that the first truncation encountered is reported against the field it
// cut off — a clean zero-byte read at the very start is KindEOF, anything
// else short is the Bad* kind for whichever field was being read.
func DecodeHeader(r io.Reader) (Header, error) {
	var h Header

	magic := make([]byte, 8)
	n, err := io.ReadFull(r, magic)
	if n == 0 && errors.Is(err, io.EOF) {
		return h, newParseError(KindEOF, "header.magic", nil)
	}
	if err != nil || string(magic) != Magic {
		return h, newParseError(KindBadMagic, "header.magic", err)
	}

	var fieldBuf [4]byte
	if _, err := io.ReadFull(r, fieldBuf[:]); err != nil {
		return h, newParseError(KindBadVersion, "header.version", err)
	}
	h.Version = binary.LittleEndian.Uint32(fieldBuf[:])

	if _, err := io.ReadFull(r, fieldBuf[:]); err != nil {
		return h, newParseError(KindBadNumConns, "header.num_conns", err)
	}
	h.NumConns = binary.LittleEndian.Uint32(fieldBuf[:])

	if _, err := io.ReadFull(r, fieldBuf[:]); err != nil {
		return h, newParseError(KindBadNumChunks, "header.num_chunks", err)
	}
	h.NumChunks = binary.LittleEndian.Uint32(fieldBuf[:])

	return h, nil
}

// EncodeChunkHeader serializes a chunk's 20-byte fixed header (conn_id, len,
// sched, flags) — never the payload.
func EncodeChunkHeader(c Chunk) []byte {
	buf := make([]byte, ChunkHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.ConnID)
	binary.LittleEndian.PutUint64(buf[4:12], c.Len)
	binary.LittleEndian.PutUint32(buf[12:16], c.Sched)
	binary.LittleEndian.PutUint32(buf[16:20], c.Flags)
	return buf
}

// DecodeChunkHeader reads one chunk record's fixed header from r. op is a
// caller-supplied label (e.g. "chunk[2]") used to build field-specific op
// strings in any returned *ParseError.
func DecodeChunkHeader(r io.Reader, op string) (Chunk, error) {
	var c Chunk

	var u32 [4]byte
	if n, err := io.ReadFull(r, u32[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return c, newParseError(KindEOF, op+".conn_id", nil)
		}
		return c, newParseError(KindBadConnID, op+".conn_id", err)
	}
	c.ConnID = binary.LittleEndian.Uint32(u32[:])

	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return c, newParseError(KindBadConnLen, op+".len", err)
	}
	c.Len = binary.LittleEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return c, newParseError(KindBadConnSched, op+".sched", err)
	}
	c.Sched = binary.LittleEndian.Uint32(u32[:])

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return c, newParseError(KindBadConnFlags, op+".flags", err)
	}
	c.Flags = binary.LittleEndian.Uint32(u32[:])

	return c, nil
}

// Decode performs a full, single-pass decode of a manifest from rs: header,
// then every chunk's header and payload, in stream order. rs must support
// Seek so each chunk's Offset (the absolute position of its 20-byte header)
// can be captured as the stream position just before that header is read.
//
// Stream-mode abort semantics: any parse error on a chunk other than a
// clean EOF between records aborts the whole decode immediately and
// returns that error. A clean EOF where the next chunk header would begin
// ends the decode successfully, even if fewer chunks were read than
// Header.NumChunks declares — Validate, not Decode, enforces that count.
func Decode(rs io.ReadSeeker) (*Manifest, error) {
	hdr, err := DecodeHeader(rs)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Header: hdr}
	for i := 0; ; i++ {
		offset, serr := rs.Seek(0, io.SeekCurrent)
		if serr != nil {
			return nil, newParseError(KindBadConnID, "seek", serr)
		}

		op := chunkOp(i)
		c, err := DecodeChunkHeader(rs, op)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) && pe.Kind == KindEOF {
				return m, nil
			}
			return nil, err
		}
		c.Offset = offset

		payload, mismatch, err := readPayload(rs, c.Len)
		if err != nil {
			return nil, newParseError(KindBadConnLen, op+".data", err)
		}
		c.Payload = payload
		c.Len = uint64(len(payload))
		m.Chunks = append(m.Chunks, c)
		if mismatch {
			return nil, newParseError(KindConnLenMismatch, op+".data", nil)
		}
	}
}

// readPayload reads min(declaredLen, MaxChunkLen) bytes from r, in 2048-byte
// slices, and reports whether fewer bytes than declared were actually
// available.
func readPayload(r io.Reader, declaredLen uint64) (payload []byte, mismatch bool, err error) {
	cap64 := declaredLen
	if cap64 > MaxChunkLen {
		cap64 = MaxChunkLen
	}
	capLen := int(cap64)

	buf := make([]byte, 0, capLen)
	const stepSize = 2048
	remaining := capLen
	for remaining > 0 {
		step := stepSize
		if step > remaining {
			step = remaining
		}
		chunk := make([]byte, step)
		n, rerr := io.ReadFull(r, chunk)
		buf = append(buf, chunk[:n]...)
		remaining -= n
		if n < step {
			break
		}
		if rerr != nil {
			break
		}
	}
	return buf, uint64(len(buf)) < declaredLen, nil
}

// ScanHeaders performs the orchestrator's two-pass model: it reads the
// manifest header and every chunk's fixed header, skipping payloads (via
// Seek rather than Read) and recording each chunk's Offset. Chunk.Payload is
// left nil — callers load payloads later via ReadPayloadAt, independently
// and without contending on rs.
func ScanHeaders(rs io.ReadSeeker) (Header, []Chunk, error) {
	hdr, err := DecodeHeader(rs)
	if err != nil {
		return hdr, nil, err
	}

	var chunks []Chunk
	for i := 0; ; i++ {
		offset, serr := rs.Seek(0, io.SeekCurrent)
		if serr != nil {
			return hdr, nil, newParseError(KindBadConnID, "seek", serr)
		}

		op := chunkOp(i)
		c, err := DecodeChunkHeader(rs, op)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) && pe.Kind == KindEOF {
				return hdr, chunks, nil
			}
			return hdr, nil, err
		}
		c.Offset = offset

		skip := c.Len
		if skip > MaxChunkLen {
			skip = MaxChunkLen
		}
		if _, serr := rs.Seek(int64(skip), io.SeekCurrent); serr != nil {
			return hdr, nil, newParseError(KindBadConnLen, op+".data", serr)
		}
		chunks = append(chunks, c)
	}
}

// ReadPayloadAt loads one chunk's payload directly from an io.ReaderAt at
// offset+ChunkHeaderSize, independent of any other reader's position — the
// worker contract's "seek the byte source back to the chunk's recorded
// offset + 20 and read exactly chunk.len bytes (clamped)".
func ReadPayloadAt(ra io.ReaderAt, offset int64, declaredLen uint64) (payload []byte, mismatch bool, err error) {
	cap64 := declaredLen
	if cap64 > MaxChunkLen {
		cap64 = MaxChunkLen
	}
	buf := make([]byte, cap64)
	n, rerr := ra.ReadAt(buf, offset+ChunkHeaderSize)
	if rerr != nil && !errors.Is(rerr, io.EOF) {
		return nil, false, rerr
	}
	return buf[:n], uint64(n) < declaredLen, nil
}

// Encode serializes the full manifest: header, then each chunk's header
// immediately followed by its payload, in array order. Two Encode calls on
// structurally identical manifests always produce byte-identical output.
func (m *Manifest) Encode() []byte {
	total := HeaderSize
	for _, c := range m.Chunks {
		total += ChunkHeaderSize + len(c.Payload)
	}
	buf := make([]byte, 0, total)
	buf = append(buf, EncodeHeader(m.Header)...)
	for _, c := range m.Chunks {
		buf = append(buf, EncodeChunkHeader(c)...)
		buf = append(buf, c.Payload...)
	}
	return buf
}

// EncodeInto writes the encoded manifest into dst if it has enough room,
// returning the number of bytes written. If dst is too small it writes
// nothing and returns the required size as a negative number.
func (m *Manifest) EncodeInto(dst []byte) int {
	encoded := m.Encode()
	if len(dst) < len(encoded) {
		return -len(encoded)
	}
	return copy(dst, encoded)
}

func chunkOp(i int) string {
	return "chunk[" + strconv.Itoa(i) + "]"
}
