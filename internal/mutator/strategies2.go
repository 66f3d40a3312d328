package mutator

import (
	"math/rand"

	"github.com/cwshugg/comux/internal/comux"
	"github.com/cwshugg/comux/internal/dict"
)

// schedBounds reports the open interval (prev, next) of sched values
// surrounding the chunk at chunks[idx] within its own connection's
// sched-ordered sequence. A missing neighbor resolves to -infinity /
// +infinity, represented here as (idx has no prev, idx has no next).
type schedBounds struct {
	hasPrev, hasNext bool
	prev, next       uint32
}

// connSchedOrder returns, for each conn_id, the chunk indices belonging to
// it, ordered by ascending sched (ties by array order) — the same
// ordering ChunksByConn already computes.
func connSchedOrder(m *comux.Manifest) map[uint32][]int {
	return m.ChunksByConn()
}

// findSchedBounds locates idx's position within its connection's
// sched-ordered sequence and returns the surrounding interval.
func findSchedBounds(m *comux.Manifest, groups map[uint32][]int, idx int) schedBounds {
	connID := m.Chunks[idx].ConnID
	order := groups[connID]
	pos := -1
	for i, ci := range order {
		if ci == idx {
			pos = i
			break
		}
	}
	b := schedBounds{}
	if pos > 0 {
		b.hasPrev = true
		b.prev = m.Chunks[order[pos-1]].Sched
	}
	if pos >= 0 && pos < len(order)-1 {
		b.hasNext = true
		b.next = m.Chunks[order[pos+1]].Sched
	}
	return b
}

// chunkSchedBump picks a chunk and chooses a new sched strictly inside
// its (prev, next) interval and different from the current value.
// Requires >= 2 connections; ineligible if every interval is too tight.
func chunkSchedBump(m *comux.Manifest, rng *rand.Rand) bool {
	if m.Header.NumConns < 2 {
		return false
	}
	groups := connSchedOrder(m)

	var candidates []int
	for i := range m.Chunks {
		b := findSchedBounds(m, groups, i)
		if intervalWidth(b) >= 2 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	idx := candidates[rng.Intn(len(candidates))]
	b := findSchedBounds(m, groups, idx)

	lo, hi := intervalBounds(b, m.Chunks[idx].Sched)
	cur := m.Chunks[idx].Sched
	for {
		cand := lo + uint32(rng.Int63n(int64(hi-lo)+1))
		if cand != cur {
			m.Chunks[idx].Sched = cand
			return true
		}
	}
}

// intervalWidth reports how many distinct integer values lie strictly
// between b.prev and b.next (exclusive), treating a missing bound as wide
// open; used only to gauge eligibility (capped to avoid overflow concerns
// in the unbounded case).
func intervalWidth(b schedBounds) int64 {
	lo, hi := intervalBounds(b, 0)
	if !b.hasPrev && !b.hasNext {
		return 1 << 32
	}
	return int64(hi) - int64(lo) + 1
}

// intervalBounds resolves an open (prev, next) interval to closed
// [lo, hi] integer bounds; a missing side extends to the end of the uint32
// range, and an interval with no integer inside it comes back as lo > hi.
func intervalBounds(b schedBounds, cur uint32) (lo, hi uint32) {
	lo, hi = 0, ^uint32(0)
	if b.hasPrev {
		if b.prev == ^uint32(0) {
			return 1, 0
		}
		lo = b.prev + 1
	}
	if b.hasNext {
		if b.next == 0 {
			return 1, 0
		}
		hi = b.next - 1
	}
	if !b.hasPrev && lo > cur {
		lo = 0
	}
	return lo, hi
}

// chunkSplit splits a chunk's payload at a uniform random interior
// position into two chunks sharing conn_id, assigning scheds that keep
// both inside the original's sched interval.
//
// Byte-copy requirement (binding): both halves are produced with a raw,
// length-bounded slice copy, never anything that could stop early at a
// zero byte — payloads are arbitrary binary data.
func chunkSplit(m *comux.Manifest, rng *rand.Rand) bool {
	groups := connSchedOrder(m)
	var candidates []int
	for i, c := range m.Chunks {
		if len(c.Payload) < 2 {
			continue
		}
		b := findSchedBounds(m, groups, i)
		if intervalWidth(b) >= 2 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	idx := candidates[rng.Intn(len(candidates))]
	c := m.Chunks[idx]
	pos := 1 + rng.Intn(len(c.Payload)-1)

	first := make([]byte, pos)
	copy(first, c.Payload[:pos])
	second := make([]byte, len(c.Payload)-pos)
	copy(second, c.Payload[pos:])

	b := findSchedBounds(m, groups, idx)
	lo, hi := intervalBounds(b, c.Sched)
	firstSched := c.Sched
	secondSched := c.Sched + 1
	if secondSched > hi {
		secondSched = hi
		if firstSched >= secondSched {
			firstSched = secondSched - 1
		}
	}
	if firstSched < lo {
		firstSched = lo
	}

	secondFlags := c.Flags &^ comux.FlagAwaitResponse
	firstFlags := c.Flags &^ comux.FlagAwaitResponse
	if c.Flags&comux.FlagAwaitResponse != 0 {
		secondFlags |= comux.FlagAwaitResponse
	}

	m.Chunks[idx] = comux.Chunk{ConnID: c.ConnID, Len: uint64(len(first)), Sched: firstSched, Flags: firstFlags, Payload: first}
	newChunk := comux.Chunk{ConnID: c.ConnID, Len: uint64(len(second)), Sched: secondSched, Flags: secondFlags, Payload: second}

	m.Chunks = append(m.Chunks, comux.Chunk{})
	copy(m.Chunks[idx+2:], m.Chunks[idx+1:len(m.Chunks)-1])
	m.Chunks[idx+1] = newChunk
	m.Header.NumChunks = uint32(len(m.Chunks))
	return true
}

// chunkSplice finds two chunks with the same conn_id adjacent in that
// connection's sched-ordered stream, concatenates the second's payload
// onto the first, and removes the second.
func chunkSplice(m *comux.Manifest, rng *rand.Rand) bool {
	groups := connSchedOrder(m)
	var pairs [][2]int
	for _, order := range groups {
		for i := 0; i+1 < len(order); i++ {
			pairs = append(pairs, [2]int{order[i], order[i+1]})
		}
	}
	if len(pairs) == 0 {
		return false
	}
	pair := pairs[rng.Intn(len(pairs))]
	firstIdx, secondIdx := pair[0], pair[1]

	first := &m.Chunks[firstIdx]
	second := m.Chunks[secondIdx]

	merged := make([]byte, len(first.Payload)+len(second.Payload))
	copy(merged, first.Payload)
	copy(merged[len(first.Payload):], second.Payload)
	first.Payload = merged
	first.Len = uint64(len(merged))
	if second.Flags&comux.FlagAwaitResponse != 0 {
		first.Flags |= comux.FlagAwaitResponse
	}

	m.Chunks = append(m.Chunks[:secondIdx], m.Chunks[secondIdx+1:]...)
	m.Header.NumChunks = uint32(len(m.Chunks))
	restoreCoverage(m)
	return true
}

// restoreCoverage restores full connection-id coverage (every conn_id in
// [0, num_conns) referenced by >=1 chunk) after a removal, by shrinking
// num_conns down to the highest conn_id actually still referenced, if that
// leaves a gap at the top of the id space. chunkSplice calls it after its
// removal; the removed chunk shares its conn_id with the chunk that absorbs
// it, so a manifest that was covered before the splice stays covered.
func restoreCoverage(m *comux.Manifest) {
	for m.Header.NumConns > 0 {
		covered := false
		for _, c := range m.Chunks {
			if c.ConnID == m.Header.NumConns-1 {
				covered = true
				break
			}
		}
		if covered {
			return
		}
		m.Header.NumConns--
	}
}

// chunkDictSwap finds, in a random chunk, the first occurrence of any
// loaded dictionary word and replaces it with a different uniformly
// random word from the same dictionary.
func chunkDictSwap(m *comux.Manifest, rng *rand.Rand, dicts []*dict.Dictionary) bool {
	if len(dicts) == 0 {
		return false
	}
	idxs := nonEmptyChunks(m)
	if len(idxs) == 0 {
		return false
	}
	order := rng.Perm(len(idxs))
	for _, oi := range order {
		idx := idxs[oi]
		c := &m.Chunks[idx]
		for _, d := range dicts {
			for i := 0; i < d.Len(); i++ {
				word := d.At(i)
				pos := indexOf(c.Payload, word)
				if pos < 0 {
					continue
				}
				repl, ok := d.GetRand(rng)
				for ok && string(repl) == string(word) && d.Len() > 1 {
					repl, ok = d.GetRand(rng)
				}
				if !ok || string(repl) == string(word) {
					continue
				}
				newPayload := make([]byte, 0, len(c.Payload)-len(word)+len(repl))
				newPayload = append(newPayload, c.Payload[:pos]...)
				newPayload = append(newPayload, repl...)
				newPayload = append(newPayload, c.Payload[pos+len(word):]...)
				c.Payload = newPayload
				c.Len = uint64(len(newPayload))
				return true
			}
		}
	}
	return false
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
