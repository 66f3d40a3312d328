// Package dict implements the mutator's dictionary subsystem: a bounded,
// sorted table of byte strings used by the CHUNK_DICT_SWAP strategy to
// splice recognizable tokens into chunk payloads.
package dict

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"sort"
)

const (
	// MaxEntries bounds the number of distinct dictionary entries.
	MaxEntries = 2048
	// MaxEntryLen bounds the length, in bytes, of a single entry.
	MaxEntryLen = 128
)

// Dictionary is a sorted, binary-searchable, duplicate-free table of byte
// strings. The zero value is an empty, usable dictionary.
type Dictionary struct {
	entries [][]byte
}

// New returns an empty dictionary.
func New() *Dictionary {
	return &Dictionary{}
}

// Len reports the number of entries currently held.
func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Add inserts entry in sorted position, rejecting blank entries, entries
// longer than MaxEntryLen, exact duplicates, and attempts past MaxEntries.
// It reports whether the entry was added.
func (d *Dictionary) Add(entry []byte) bool {
	if len(entry) == 0 || len(entry) > MaxEntryLen {
		return false
	}
	if len(d.entries) >= MaxEntries {
		return false
	}
	i := sort.Search(len(d.entries), func(i int) bool {
		return bytes.Compare(d.entries[i], entry) >= 0
	})
	if i < len(d.entries) && bytes.Equal(d.entries[i], entry) {
		return false
	}
	cp := make([]byte, len(entry))
	copy(cp, entry)
	d.entries = append(d.entries, nil)
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = cp
	return true
}

// Search returns the index of entry, and whether it was found, via binary
// search over the sorted table.
func (d *Dictionary) Search(entry []byte) (int, bool) {
	i := sort.Search(len(d.entries), func(i int) bool {
		return bytes.Compare(d.entries[i], entry) >= 0
	})
	if i < len(d.entries) && bytes.Equal(d.entries[i], entry) {
		return i, true
	}
	return -1, false
}

// GetRand returns a uniformly random entry using rng, and whether the
// dictionary was non-empty. Callers that need reproducible fuzzing runs
// should pass a seeded *rand.Rand.
func (d *Dictionary) GetRand(rng *rand.Rand) ([]byte, bool) {
	if len(d.entries) == 0 {
		return nil, false
	}
	return d.entries[rng.Intn(len(d.entries))], true
}

// At returns the entry at index i.
func (d *Dictionary) At(i int) []byte {
	return d.entries[i]
}

// Load reads newline-delimited entries from r. A blank line, a duplicate
// entry, an entry longer than MaxEntryLen, or an attempt past MaxEntries
// fails the whole load — mirroring dict_from_file, which discards the
// dictionary and returns NULL the moment a single dict_add call fails. On
// success it returns the number of entries added.
func Load(r io.Reader) (*Dictionary, int, error) {
	d := New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, MaxEntryLen+2), MaxEntryLen+2)
	added := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			return nil, added, fmt.Errorf("dict: load: line %d: blank entry not allowed", lineNo)
		}
		if d.Add(line) {
			added++
			continue
		}
		if len(line) > MaxEntryLen {
			return nil, added, fmt.Errorf("dict: load: line %d: entry exceeds %d bytes", lineNo, MaxEntryLen)
		}
		if _, found := d.Search(line); found {
			return nil, added, fmt.Errorf("dict: load: line %d: duplicate entry %q", lineNo, line)
		}
		return nil, added, fmt.Errorf("dict: load: line %d: dictionary already holds %d entries", lineNo, MaxEntries)
	}
	if err := scanner.Err(); err != nil {
		return nil, added, fmt.Errorf("dict: load: %w", err)
	}
	return d, added, nil
}
