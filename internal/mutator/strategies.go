// Package mutator implements the structure-aware mutation strategies, the
// trimmer state machine, and the stateful driver that a fuzzer host drives
// to produce new candidate manifests from old ones.
package mutator

import (
	"encoding/binary"
	"math/rand"

	"github.com/cwshugg/comux/internal/comux"
	"github.com/cwshugg/comux/internal/dict"
)

// Strategy identifies one of the six mutation strategies, used by the
// driver's override mechanism and by Describe.
type Strategy int

const (
	StrategyChunkDataHavoc Strategy = iota
	StrategyChunkDataExtra
	StrategyChunkSchedBump
	StrategyChunkSplit
	StrategyChunkSplice
	StrategyChunkDictSwap
)

func (s Strategy) String() string {
	switch s {
	case StrategyChunkDataHavoc:
		return "CHUNK_DATA_HAVOC"
	case StrategyChunkDataExtra:
		return "CHUNK_DATA_EXTRA"
	case StrategyChunkSchedBump:
		return "CHUNK_SCHED_BUMP"
	case StrategyChunkSplit:
		return "CHUNK_SPLIT"
	case StrategyChunkSplice:
		return "CHUNK_SPLICE"
	case StrategyChunkDictSwap:
		return "CHUNK_DICT_SWAP"
	default:
		return "UNKNOWN"
	}
}

// allStrategies lists every strategy; when no strategy is overridden the
// driver walks a freshly shuffled copy of it.
var allStrategies = []Strategy{
	StrategyChunkDataHavoc,
	StrategyChunkDataExtra,
	StrategyChunkSchedBump,
	StrategyChunkSplit,
	StrategyChunkSplice,
	StrategyChunkDictSwap,
}

// apply dispatches to the named strategy, returning whether it found an
// eligible target and mutated m in place.
func apply(s Strategy, m *comux.Manifest, rng *rand.Rand, dicts []*dict.Dictionary) bool {
	switch s {
	case StrategyChunkDataHavoc:
		return chunkDataHavoc(m, rng)
	case StrategyChunkDataExtra:
		return chunkDataExtra(m, rng)
	case StrategyChunkSchedBump:
		return chunkSchedBump(m, rng)
	case StrategyChunkSplit:
		return chunkSplit(m, rng)
	case StrategyChunkSplice:
		return chunkSplice(m, rng)
	case StrategyChunkDictSwap:
		return chunkDictSwap(m, rng, dicts)
	default:
		return false
	}
}

const interestingConstCount = 3 // 0x00, 0x7F, 0xFF, reused at every width

func interestingByte(rng *rand.Rand) byte {
	vals := []byte{0x00, 0x7F, 0xFF}
	return vals[rng.Intn(len(vals))]
}

// chunkDataHavoc picks one chunk uniformly and applies one of twelve
// byte-level perturbations. No-op if the payload is empty.
func chunkDataHavoc(m *comux.Manifest, rng *rand.Rand) bool {
	idxs := nonEmptyChunks(m)
	if len(idxs) == 0 {
		return false
	}
	c := &m.Chunks[idxs[rng.Intn(len(idxs))]]
	payload := c.Payload

	op := rng.Intn(12)
	switch op {
	case 0: // bit flip
		pos := rng.Intn(len(payload))
		payload[pos] ^= 1 << uint(rng.Intn(8))
	case 1: // set byte to interesting constant
		payload[rng.Intn(len(payload))] = interestingByte(rng)
	case 2: // set word (2 bytes) to interesting constant, random endianness
		setInterestingWidth(payload, rng, 2)
	case 3: // set dword (4 bytes)
		setInterestingWidth(payload, rng, 4)
	case 4: // set qword (8 bytes)
		setInterestingWidth(payload, rng, 8)
	case 5: // add small random value to byte
		addWidth(payload, rng, 1, true)
	case 6: // subtract small random value from byte
		addWidth(payload, rng, 1, false)
	case 7: // add to word, random endianness
		addWidth(payload, rng, 2, true)
	case 8: // subtract from word
		addWidth(payload, rng, 2, false)
	case 9: // add to dword
		addWidth(payload, rng, 4, true)
	case 10: // subtract from dword
		addWidth(payload, rng, 4, false)
	case 11: // XOR a byte with a random non-zero value
		pos := rng.Intn(len(payload))
		v := byte(1 + rng.Intn(255))
		payload[pos] ^= v
	}
	return true
}

func setInterestingWidth(payload []byte, rng *rand.Rand, width int) {
	if len(payload) < width {
		width = len(payload)
	}
	pos := rng.Intn(len(payload) - width + 1)
	v := interestingByte(rng)
	for i := 0; i < width; i++ {
		payload[pos+i] = v
	}
	if rng.Intn(2) == 0 {
		reverseBytes(payload[pos : pos+width])
	}
}

func addWidth(payload []byte, rng *rand.Rand, width int, positive bool) {
	if len(payload) < width {
		width = len(payload)
	}
	pos := rng.Intn(len(payload) - width + 1)
	delta := byte(1 + rng.Intn(35))
	little := rng.Intn(2) == 0

	switch width {
	case 1:
		if positive {
			payload[pos] += delta
		} else {
			payload[pos] -= delta
		}
	case 2:
		v := binary.LittleEndian.Uint16(payload[pos : pos+2])
		if !little {
			v = binary.BigEndian.Uint16(payload[pos : pos+2])
		}
		if positive {
			v += uint16(delta)
		} else {
			v -= uint16(delta)
		}
		if little {
			binary.LittleEndian.PutUint16(payload[pos:pos+2], v)
		} else {
			binary.BigEndian.PutUint16(payload[pos:pos+2], v)
		}
	case 4:
		v := binary.LittleEndian.Uint32(payload[pos : pos+4])
		if !little {
			v = binary.BigEndian.Uint32(payload[pos : pos+4])
		}
		if positive {
			v += uint32(delta)
		} else {
			v -= uint32(delta)
		}
		if little {
			binary.LittleEndian.PutUint32(payload[pos:pos+4], v)
		} else {
			binary.BigEndian.PutUint32(payload[pos:pos+4], v)
		}
	}
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// chunkDataExtra reverses a contiguous range or swaps two byte
// positions, chosen with equal probability. No-op if payload < 2 bytes.
func chunkDataExtra(m *comux.Manifest, rng *rand.Rand) bool {
	var idxs []int
	for i, c := range m.Chunks {
		if len(c.Payload) >= 2 {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return false
	}
	c := &m.Chunks[idxs[rng.Intn(len(idxs))]]
	payload := c.Payload

	if rng.Intn(2) == 0 {
		a := rng.Intn(len(payload))
		b := a + 1 + rng.Intn(len(payload)-a)
		reverseBytes(payload[a:b])
	} else {
		a := rng.Intn(len(payload))
		b := rng.Intn(len(payload))
		for b == a {
			b = rng.Intn(len(payload))
		}
		payload[a], payload[b] = payload[b], payload[a]
	}
	return true
}

func nonEmptyChunks(m *comux.Manifest) []int {
	var idxs []int
	for i, c := range m.Chunks {
		if len(c.Payload) > 0 {
			idxs = append(idxs, i)
		}
	}
	return idxs
}
