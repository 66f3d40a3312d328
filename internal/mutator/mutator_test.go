package mutator

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cwshugg/comux/internal/comux"
	"github.com/cwshugg/comux/internal/dict"
)

func splitSeedManifest() *comux.Manifest {
	return &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 1},
		Chunks: []comux.Chunk{
			{ConnID: 0, Len: 10, Sched: 5, Flags: comux.FlagAwaitResponse, Payload: []byte("0123456789")},
		},
	}
}

// TestChunkSplitRawByteCopy verifies that splitting a chunk uses a raw
// byte copy, safe for payloads containing zero bytes anywhere.
func TestChunkSplitRawByteCopy(t *testing.T) {
	m := splitSeedManifest()
	m.Chunks[0].Payload[3] = 0x00 // embed a NUL byte inside the payload

	rng := rand.New(rand.NewSource(1))
	ok := chunkSplit(m, rng)
	require.True(t, ok)
	require.Len(t, m.Chunks, 2)

	total := append(append([]byte(nil), m.Chunks[0].Payload...), m.Chunks[1].Payload...)
	require.Equal(t, []byte("0123456789"), total, "split must preserve every byte including embedded NULs")

	awaitCount := 0
	for _, c := range m.Chunks {
		if c.Flags&comux.FlagAwaitResponse != 0 {
			awaitCount++
		}
	}
	require.Equal(t, 1, awaitCount, "AWAIT_RESPONSE must transfer to exactly one resulting chunk")
	require.NotZero(t, m.Chunks[1].Flags&comux.FlagAwaitResponse, "AWAIT_RESPONSE must land on the second (later-scheduled) chunk")
}

func TestChunkSpliceMergesAdjacentSameConn(t *testing.T) {
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 2},
		Chunks: []comux.Chunk{
			{ConnID: 0, Sched: 1, Len: 2, Payload: []byte("AB"), Flags: comux.FlagAwaitResponse},
			{ConnID: 0, Sched: 2, Len: 2, Payload: []byte("CD")},
		},
	}
	rng := rand.New(rand.NewSource(2))
	ok := chunkSplice(m, rng)
	require.True(t, ok)
	require.Len(t, m.Chunks, 1)
	require.Equal(t, []byte("ABCD"), m.Chunks[0].Payload)
}

func TestChunkSpliceRestoresCoverage(t *testing.T) {
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 2, NumChunks: 3},
		Chunks: []comux.Chunk{
			{ConnID: 0, Sched: 1, Len: 1, Payload: []byte("A")},
			{ConnID: 1, Sched: 2, Len: 1, Payload: []byte("B")},
			{ConnID: 1, Sched: 3, Len: 1, Payload: []byte("C")},
		},
	}
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		m2 := m.Clone()
		if chunkSplice(m2, rng) {
			require.NoError(t, comux.Validate(m2))
			return
		}
	}
}

func TestChunkDataHavocNoopOnEmptyPayload(t *testing.T) {
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 1},
		Chunks: []comux.Chunk{{ConnID: 0, Payload: []byte{}}},
	}
	rng := rand.New(rand.NewSource(4))
	require.False(t, chunkDataHavoc(m, rng))
}

func TestChunkDictSwapReplacesWithDifferentWord(t *testing.T) {
	d := dict.New()
	d.Add([]byte("GET"))
	d.Add([]byte("POST"))
	payload := []byte("GET /index HTTP/1.1")
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 1},
		Chunks: []comux.Chunk{{ConnID: 0, Len: uint64(len(payload)), Payload: payload}},
	}
	rng := rand.New(rand.NewSource(5))
	ok := chunkDictSwap(m, rng, []*dict.Dictionary{d})
	require.True(t, ok)
	require.Contains(t, string(m.Chunks[0].Payload), "POST")
	require.NotContains(t, string(m.Chunks[0].Payload), "GET /index")
}

func TestChunkDictSwapIneligibleWithoutDictionary(t *testing.T) {
	payload := []byte("GET / HTTP/1.1")
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 1},
		Chunks: []comux.Chunk{{ConnID: 0, Len: uint64(len(payload)), Payload: payload}},
	}
	rng := rand.New(rand.NewSource(6))
	require.False(t, chunkDictSwap(m, rng, nil))
}

func TestTrimmerMonotonicUnderAlwaysSuccess(t *testing.T) {
	payload := make([]byte, 1000)
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 1},
		Chunks: []comux.Chunk{{ConnID: 0, Len: uint64(len(payload)), Payload: payload}},
	}
	rng := rand.New(rand.NewSource(7))
	tr, err := InitTrim(m, rng, 0)
	require.NoError(t, err)
	require.NotZero(t, tr.TrimSteps())

	lastLen := len(tr.Baseline())
	for i := 0; i < 20; i++ {
		_, ok := tr.Step(rng)
		if !ok {
			break
		}
		idx, cont := tr.PostStep(true)
		require.Less(t, len(tr.Baseline()), lastLen)
		lastLen = len(tr.Baseline())
		if !cont {
			_ = idx
			break
		}
	}
}

// TestTrimmerEarlyTermination covers bytes_per_step=25 on a length-1000
// chunk where the host always reports failure: the run has 1000/25-1 = 39
// steps, fewer than the 100-step early-termination threshold, so the
// trimmer stops once those steps are used up and reports the max step index.
func TestTrimmerEarlyTermination(t *testing.T) {
	payload := make([]byte, 1000)
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 1},
		Chunks: []comux.Chunk{{ConnID: 0, Len: uint64(len(payload)), Payload: payload}},
	}
	rng := rand.New(rand.NewSource(8))
	tr, err := InitTrim(m, rng, 0)
	require.NoError(t, err)
	require.Equal(t, 25, tr.bytesPerStep)

	var lastIdx int
	cont := true
	for cont {
		_, ok := tr.Step(rng)
		if !ok {
			break
		}
		lastIdx, cont = tr.PostStep(false)
	}
	require.Equal(t, tr.TrimSteps(), lastIdx)
}

func TestTrimmerNegativeStepsClampedToZero(t *testing.T) {
	payload := []byte{}
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 1},
		Chunks: []comux.Chunk{{ConnID: 0, Len: uint64(len(payload)), Payload: payload}},
	}
	rng := rand.New(rand.NewSource(9))
	tr, err := InitTrim(m, rng, 0)
	require.NoError(t, err)
	require.Equal(t, 0, tr.TrimSteps())
	_, ok := tr.Step(rng)
	require.False(t, ok)
}

func TestFuzzCountWithinBounds(t *testing.T) {
	cfg := Config{FuzzMin: 512, FuzzMax: 32768}
	d, err := Init(1, cfg)
	require.NoError(t, err)

	m := &comux.Manifest{Header: comux.Header{Version: comux.Version, NumConns: 4096, NumChunks: 8192}}
	count := d.FuzzCount(m)
	require.GreaterOrEqual(t, count, uint32(cfg.FuzzMin))
	require.LessOrEqual(t, count, uint32(cfg.FuzzMax))
}

func TestDriverFuzzEmitsUnchangedOnDecodeFailure(t *testing.T) {
	d, err := Init(2, Config{FuzzMin: 512, FuzzMax: 32768})
	require.NoError(t, err)
	garbage := []byte("not a manifest")
	out := d.Fuzz(garbage)
	require.Equal(t, garbage, out)
}

func TestDriverHavocForcesStrategy(t *testing.T) {
	d, err := Init(3, Config{FuzzMin: 512, FuzzMax: 32768})
	require.NoError(t, err)
	m := splitSeedManifest()
	out := d.Havoc(m.Encode())
	require.NotNil(t, out)
	require.Equal(t, StrategyChunkDataHavoc, d.lastStrategy)
}

func TestDriverWithDictWatchPicksUpReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "words.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\n"), 0o644))

	d, err := Init(5, Config{FuzzMin: 512, FuzzMax: 32768, DictPaths: []string{path}, DictWatch: true})
	require.NoError(t, err)
	defer d.Deinit()

	require.Len(t, d.watched, 1)
	require.Len(t, d.currentDicts(), 1)
	require.Equal(t, 1, d.currentDicts()[0].Len())

	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\n"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.currentDicts()[0].Len() == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected reload to bring entry count to 2, got %d", d.currentDicts()[0].Len())
}

func TestQueueFilterRejectsMalformed(t *testing.T) {
	d, err := Init(4, Config{FuzzMin: 512, FuzzMax: 32768})
	require.NoError(t, err)
	require.False(t, d.QueueFilter([]byte("garbage")))

	m := splitSeedManifest()
	require.True(t, d.QueueFilter(m.Encode()))
}
