package mutator

import (
	"math/rand"
	"sort"

	"github.com/cwshugg/comux/internal/comux"
)

// defaultTrimStepsCap is the trim-step ceiling used when the configured cap
// is zero, and the default for MUT_TRIM_MAX.
const defaultTrimStepsCap = 2500

// Trimmer is the multi-step state machine that reduces one chosen chunk's
// payload, step by step, letting the fuzzer host probe which reductions
// preserve the target's observed behavior.
type Trimmer struct {
	baseHeader  comux.Header
	otherChunks []comux.Chunk
	targetIdx   int

	baseline []byte // current accepted payload for the target chunk
	step     []byte // payload proposed by the most recent Step, pending feedback

	bytesPerStep int
	trimSteps    int
	trimCount    int

	successCount int
	stepsTaken   int

	stepsCap int
}

// InitTrim initializes a Trimmer against m, choosing a chunk uniformly at
// random. A negative stepsCap leaves the step count uncapped; zero selects
// defaultTrimStepsCap.
func InitTrim(m *comux.Manifest, rng *rand.Rand, stepsCap int) (*Trimmer, error) {
	if err := comux.Validate(m); err != nil {
		return &Trimmer{trimSteps: 0}, nil
	}
	if stepsCap == 0 {
		stepsCap = defaultTrimStepsCap
	}

	targetIdx := rng.Intn(len(m.Chunks))
	target := m.Chunks[targetIdx]

	t := &Trimmer{
		baseHeader:  m.Header,
		otherChunks: append([]comux.Chunk(nil), m.Chunks...),
		targetIdx:   targetIdx,
		baseline:    append([]byte(nil), target.Payload...),
		stepsCap:    stepsCap,
	}

	bps := int(0.025 * float64(len(target.Payload)))
	if bps < 1 {
		bps = 1
	}
	t.bytesPerStep = bps

	// Negative-steps requirement (binding): clamp to 0 rather than
	// propagate a negative step count when len < bytes_per_step.
	steps := len(target.Payload)/bps - 1
	if steps < 0 {
		steps = 0
	}
	if t.stepsCap > 0 && steps > t.stepsCap {
		steps = t.stepsCap
	}
	t.trimSteps = steps

	return t, nil
}

// TrimSteps reports the total number of steps this run is bounded to.
func (t *Trimmer) TrimSteps() int { return t.trimSteps }

// Step produces a new candidate by omitting bytesPerStep uniformly-random
// distinct indices from the current baseline payload, and returns the full
// re-encoded manifest for the host to try. Returns false once no more
// steps are available (trimCount has reached trimSteps, or the baseline is
// too short to remove another batch).
func (t *Trimmer) Step(rng *rand.Rand) ([]byte, bool) {
	if t.trimCount >= t.trimSteps {
		return nil, false
	}
	if len(t.baseline) <= t.bytesPerStep {
		return nil, false
	}

	remove := make(map[int]bool, t.bytesPerStep)
	for len(remove) < t.bytesPerStep {
		remove[rng.Intn(len(t.baseline))] = true
	}
	idxs := make([]int, 0, len(remove))
	for i := range remove {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	out := make([]byte, 0, len(t.baseline)-len(idxs))
	skip := 0
	for i, b := range t.baseline {
		if skip < len(idxs) && idxs[skip] == i {
			skip++
			continue
		}
		out = append(out, b)
	}
	t.step = out

	m := t.buildManifest(out)
	return m.Encode(), true
}

// PostStep records the host's feedback for the most recent Step: on
// success the trimmed payload becomes the new baseline; on failure the
// baseline is unchanged. It returns whether trimming should continue:
// false once early termination fires (after max(100, 25% of trimSteps)
// steps, if the success rate is below 10%, trimming is abandoned and the
// maximum step index is reported to signal the host to stop).
func (t *Trimmer) PostStep(success bool) (stepIndex int, shouldContinue bool) {
	t.trimCount++
	t.stepsTaken++
	if success {
		t.baseline = t.step
		t.successCount++
	}
	t.step = nil

	threshold := t.trimSteps / 4
	if threshold < 100 {
		threshold = 100
	}
	if t.stepsTaken >= threshold {
		rate := float64(t.successCount) / float64(t.stepsTaken)
		if rate < 0.10 {
			return t.trimSteps, false
		}
	}
	if t.trimCount >= t.trimSteps {
		return t.trimCount, false
	}
	return t.trimCount, true
}

// Baseline returns the current accepted payload for the target chunk.
func (t *Trimmer) Baseline() []byte { return t.baseline }

func (t *Trimmer) buildManifest(targetPayload []byte) *comux.Manifest {
	chunks := append([]comux.Chunk(nil), t.otherChunks...)
	chunks[t.targetIdx].Payload = targetPayload
	chunks[t.targetIdx].Len = uint64(len(targetPayload))
	return &comux.Manifest{Header: t.baseHeader, Chunks: chunks}
}
