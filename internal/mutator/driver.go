package mutator

import (
	"bytes"
	"math/rand"

	"github.com/cwshugg/comux/internal/comux"
	"github.com/cwshugg/comux/internal/dict"
)

// Driver is the mutator's stateful-across-invocations entry point. A fuzzer
// host constructs one via Init and calls Fuzz/Havoc/QueueFilter/FuzzCount
// repeatedly; state persists between calls on the same handle.
type Driver struct {
	cfg     Config
	rng     *rand.Rand
	dicts   []*dict.Dictionary
	watched []*dict.Watched

	overrideStrategy *Strategy
	lastFuzzCount    uint32
	lastStrategy     Strategy
	trimmer          *Trimmer
}

// Init seeds the RNG and loads every dictionary listed in cfg.DictPaths,
// returning a ready-to-use Driver handle. When cfg.DictWatch is set, each
// path is loaded through dict.WatchFile instead of dict.LoadFile, so a
// long-running mutator process picks up dictionary edits without a
// restart; Deinit stops the watchers.
func Init(seed int64, cfg Config) (*Driver, error) {
	d := &Driver{
		cfg:           cfg,
		rng:           rand.New(rand.NewSource(seed)),
		lastFuzzCount: uint32(cfg.FuzzMin),
	}
	for _, path := range cfg.DictPaths {
		if cfg.DictWatch {
			w, err := dict.WatchFile(path)
			if err != nil {
				return nil, err
			}
			d.watched = append(d.watched, w)
			continue
		}
		loaded, _, err := dict.LoadFile(path)
		if err != nil {
			return nil, err
		}
		d.dicts = append(d.dicts, loaded)
	}
	return d, nil
}

// currentDicts returns the dictionaries to sample from for this call: the
// statically loaded set, or the latest hot-reloaded snapshot of each
// watched dictionary.
func (d *Driver) currentDicts() []*dict.Dictionary {
	if len(d.watched) == 0 {
		return d.dicts
	}
	current := make([]*dict.Dictionary, len(d.watched))
	for i, w := range d.watched {
		current[i] = w.Current()
	}
	return current
}

// Fuzz runs the decode-validate-strategy-encode pipeline. If decode or
// validation fails, the input is emitted unchanged; there is no
// rebuild-from-scratch fallback.
func (d *Driver) Fuzz(input []byte) []byte {
	return d.runPipeline(input, nil)
}

// Havoc runs the same pipeline as Fuzz but with the strategy forced to
// CHUNK_DATA_HAVOC.
func (d *Driver) Havoc(input []byte) []byte {
	s := StrategyChunkDataHavoc
	return d.runPipeline(input, &s)
}

// HavocProbability always returns 100. Fuzz does not consult it: an
// unforced Fuzz call tries the strategies in a freshly shuffled order.
func (d *Driver) HavocProbability() uint8 { return 100 }

func (d *Driver) runPipeline(input []byte, override *Strategy) []byte {
	m, err := comux.Decode(bytes.NewReader(input))
	if err != nil {
		return input
	}
	if err := comux.Validate(m); err != nil {
		return input
	}

	order := allStrategies
	if override != nil {
		order = []Strategy{*override}
	} else {
		order = shuffledStrategies(d.rng)
	}

	dicts := d.currentDicts()
	for _, s := range order {
		candidate := m.Clone()
		if !apply(s, candidate, d.rng, dicts) {
			continue
		}
		stripNoShutdown(candidate)
		if err := comux.Validate(candidate); err != nil {
			continue
		}
		encoded := candidate.Encode()
		d.lastStrategy = s
		return encoded
	}
	return input
}

// stripNoShutdown always clears NO_SHUTDOWN from every chunk before
// emission: prevents the orchestrator from producing spurious hangs in
// an automated fuzzer.
func stripNoShutdown(m *comux.Manifest) {
	for i := range m.Chunks {
		m.Chunks[i].Flags &^= comux.FlagNoShutdown
	}
}

func shuffledStrategies(rng *rand.Rand) []Strategy {
	out := append([]Strategy(nil), allStrategies...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// QueueFilter decodes data and accepts it iff full validation passes and
// every chunk's payload was fully present in the byte source (no
// CONN_LEN_MISMATCH encountered).
func (d *Driver) QueueFilter(data []byte) bool {
	m, err := comux.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return comux.Validate(m) == nil
}

// FuzzCount returns a suggested iteration count in [FuzzMin, FuzzMax] for
// replaying the given (already-decoded) manifest. The num_conns multiplier
// below is deliberately unguarded: a manifest with num_conns near 4096 can
// saturate the running count to FuzzMax in one call. Intentional, not a
// bug to fix. Each multiply stops at the uint32 maximum instead of
// wrapping, so the final clamp always sees the oversized value.
func (d *Driver) FuzzCount(m *comux.Manifest) uint32 {
	count := d.lastFuzzCount
	if count < uint32(d.cfg.FuzzMin) {
		count = uint32(d.cfg.FuzzMin)
	}

	if m.Header.NumConns > 1 {
		factor := m.Header.NumConns
		if factor < 3 {
			factor = 3
		}
		count = uint32(min(uint64(count)*uint64(factor), uint64(^uint32(0))))
	} else if count < uint32(d.cfg.FuzzMax)/2 {
		count *= 2
	} else {
		count /= 2
	}

	remainder := int64(m.Header.NumChunks) - int64(m.Header.NumConns)
	if remainder > 0 {
		factor := uint32(remainder)
		if factor < 3 {
			factor = 3
		}
		count = uint32(min(uint64(count)*uint64(factor), uint64(^uint32(0))))
	} else if count < uint32(d.cfg.FuzzMax)/2 {
		count *= 2
	} else {
		count /= 2
	}

	if count < uint32(d.cfg.FuzzMin) {
		count = uint32(d.cfg.FuzzMin)
	}
	if count > uint32(d.cfg.FuzzMax) {
		count = uint32(d.cfg.FuzzMax)
	}
	d.lastFuzzCount = count
	return count
}

// Describe returns the label of the most-recently-applied strategy, used
// by the host to name output artifacts.
func (d *Driver) Describe() string {
	return d.lastStrategy.String()
}

// InitTrim starts a new trimming run against m.
func (d *Driver) InitTrim(m *comux.Manifest) error {
	t, err := InitTrim(m, d.rng, d.cfg.TrimMax)
	if err != nil {
		return err
	}
	d.trimmer = t
	return nil
}

// Trim produces the next trimmed candidate, or nil if trimming is
// exhausted.
func (d *Driver) Trim() ([]byte, bool) {
	if d.trimmer == nil {
		return nil, false
	}
	return d.trimmer.Step(d.rng)
}

// PostTrim reports the host's feedback for the most recent Trim call.
func (d *Driver) PostTrim(success bool) (stepIndex int, shouldContinue bool) {
	if d.trimmer == nil {
		return 0, false
	}
	return d.trimmer.PostStep(success)
}

// Deinit stops any hot-reload watchers and releases all driver state.
func (d *Driver) Deinit() {
	for _, w := range d.watched {
		w.Close()
	}
	d.dicts = nil
	d.watched = nil
	d.trimmer = nil
}
