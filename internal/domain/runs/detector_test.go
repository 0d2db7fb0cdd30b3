package runs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDetector(t *testing.T, p Params) *Detector {
	t.Helper()
	d, err := NewDetector(p)
	require.NoError(t, err)
	return d
}

func pushAll(d *Detector, st *State, scores []float64) []Event {
	var events []Event
	for i, s := range scores {
		if ev, ok := d.Push(st, i, s); ok {
			events = append(events, ev)
		}
	}
	return events
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestParamsValidate(t *testing.T) {
	valid := Params{RunThreshold: 0.8, PredictionThreshold: 0.9, MinRunLength: 5, Patience: 2}
	require.NoError(t, valid.Validate())

	cases := map[string]Params{
		"run threshold above one":      {RunThreshold: 1.1, PredictionThreshold: 0.9, MinRunLength: 5, Patience: 2},
		"negative run threshold":       {RunThreshold: -0.1, PredictionThreshold: 0.9, MinRunLength: 5, Patience: 2},
		"prediction threshold too big": {RunThreshold: 0.8, PredictionThreshold: 1.5, MinRunLength: 5, Patience: 2},
		"zero min run length":          {RunThreshold: 0.8, PredictionThreshold: 0.9, MinRunLength: 0, Patience: 2},
		"negative patience":            {RunThreshold: 0.8, PredictionThreshold: 0.9, MinRunLength: 5, Patience: -1},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, p.Validate())
			_, err := NewDetector(p)
			assert.Error(t, err)
		})
	}
}

func TestEarlyCheckFiresOnceAtTwentiethFrame(t *testing.T) {
	d := newTestDetector(t, Params{RunThreshold: 0.8, PredictionThreshold: 0.95, MinRunLength: 5, Patience: 2})

	var st State
	events := pushAll(d, &st, repeat(0.9, 25))

	require.Len(t, events, 1, "a single run emits exactly one event")
	assert.Equal(t, 19, events[0].Index, "early check fires on the 20th in-run frame")
	assert.True(t, events[0].Early)
	assert.InDelta(t, 0.9, events[0].Probability, 1e-9)

	// The run is still open but the one-shot flag suppresses any further
	// extraction, including the end-of-stream flush.
	assert.True(t, st.Open)
	assert.True(t, st.EarlyFired)
	_, ok := d.Flush(&st)
	assert.False(t, ok)
	assert.False(t, st.Open)
}

func TestRunOfExactMinLengthEmitsPeakOnClose(t *testing.T) {
	d := newTestDetector(t, Params{RunThreshold: 0.8, PredictionThreshold: 0.85, MinRunLength: 5, Patience: 1})

	scores := []float64{0.81, 0.83, 0.97, 0.82, 0.81, 0.1, 0.1}
	var st State
	events := pushAll(d, &st, scores)

	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Index, "close-time extraction names the run peak")
	assert.InDelta(t, 0.97, events[0].Probability, 1e-9)
	assert.False(t, events[0].Early)
	assert.False(t, st.Open, "state fully cleared after close")
	assert.Zero(t, st.Frames)
}

func TestRunShorterThanMinLengthNeverEmits(t *testing.T) {
	d := newTestDetector(t, Params{RunThreshold: 0.8, PredictionThreshold: 0.85, MinRunLength: 5, Patience: 0})

	scores := []float64{0.9, 0.9, 0.9, 0.9, 0.1, 0.1}
	var st State
	events := pushAll(d, &st, scores)
	assert.Empty(t, events)

	// Same for a trailing run cut off by end of stream.
	st = State{}
	events = pushAll(d, &st, []float64{0.1, 0.9, 0.9, 0.9, 0.9})
	assert.Empty(t, events)
	_, ok := d.Flush(&st)
	assert.False(t, ok)
}

func TestPatienceToleratesDipsUpToLimit(t *testing.T) {
	d := newTestDetector(t, Params{RunThreshold: 0.8, PredictionThreshold: 0.85, MinRunLength: 3, Patience: 2})

	// Exactly `patience` dips: run survives and keeps accumulating.
	scores := []float64{0.9, 0.9, 0.1, 0.1, 0.9}
	var st State
	events := pushAll(d, &st, scores)
	assert.Empty(t, events)
	assert.True(t, st.Open)
	assert.Equal(t, 3, st.Frames, "dips do not count as in-run frames")

	// One more dip than patience closes the run.
	st = State{}
	events = pushAll(d, &st, []float64{0.9, 0.9, 0.95, 0.1, 0.1, 0.1})
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Index)
	assert.False(t, st.Open)
}

func TestDipDoesNotResetPeak(t *testing.T) {
	d := newTestDetector(t, Params{RunThreshold: 0.8, PredictionThreshold: 0.85, MinRunLength: 4, Patience: 1})

	scores := []float64{0.85, 0.99, 0.3, 0.86, 0.87, 0.2, 0.2}
	var st State
	events := pushAll(d, &st, scores)

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Index, "peak recorded before a tolerated dip survives it")
	assert.InDelta(t, 0.99, events[0].Probability, 1e-9)
}

func TestFlushEmitsTrailingRunPeak(t *testing.T) {
	d := newTestDetector(t, Params{RunThreshold: 0.8, PredictionThreshold: 0.85, MinRunLength: 3, Patience: 2})

	var st State
	events := pushAll(d, &st, []float64{0.2, 0.81, 0.82, 0.96, 0.83})
	assert.Empty(t, events)

	ev, ok := d.Flush(&st)
	require.True(t, ok)
	assert.Equal(t, 3, ev.Index)
	assert.InDelta(t, 0.96, ev.Probability, 1e-9)
	assert.False(t, st.Open)

	// Flushing twice is a no-op.
	_, ok = d.Flush(&st)
	assert.False(t, ok)
}

func TestBackToBackRunsEachEmitOnce(t *testing.T) {
	d := newTestDetector(t, Params{RunThreshold: 0.8, PredictionThreshold: 0.85, MinRunLength: 2, Patience: 0})

	scores := []float64{0.9, 0.95, 0.1, 0.85, 0.99, 0.88, 0.1}
	var st State
	events := pushAll(d, &st, scores)

	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Index)
	assert.Equal(t, 4, events[1].Index)
}

func TestDetectRunsMatchesIncrementalPath(t *testing.T) {
	params := Params{RunThreshold: 0.8, PredictionThreshold: 0.85, MinRunLength: 3, Patience: 2}
	d := newTestDetector(t, params)

	sequences := [][]float64{
		{0.9, 0.85, 0.83, 0.1, 0.1, 0.1, 0.88, 0.92, 0.81, 0.86, 0.05},
		{0.1, 0.2, 0.81, 0.95, 0.3, 0.84, 0.82, 0.1, 0.1, 0.1},
		{0.81, 0.82, 0.83, 0.84},               // trailing open run
		{0.9, 0.1, 0.9, 0.1, 0.9, 0.1, 0.9},    // dips inside one run
		{0.1, 0.1, 0.1},                        // never opens
		{0.9, 0.9, 0.1, 0.1, 0.1, 0.9, 0.9},    // two too-short runs
	}

	for _, scores := range sequences {
		// Incremental: feed in order, flush the trailing run.
		var st State
		incremental := pushAll(d, &st, scores)
		if ev, ok := d.Flush(&st); ok {
			incremental = append(incremental, ev)
		}

		// Batch: one pass over the complete array.
		batch := d.DetectRuns(scores)

		require.Equal(t, len(batch), len(incremental), "scores=%v", scores)
		for i, run := range batch {
			assert.Equal(t, run.PeakIndex, incremental[i].Index, "scores=%v run=%d", scores, i)
			assert.InDelta(t, run.PeakProb, incremental[i].Probability, 1e-9, "scores=%v run=%d", scores, i)
			assert.GreaterOrEqual(t, run.Length, params.MinRunLength)
		}
	}
}

func TestDetectRunsReportsDescriptors(t *testing.T) {
	d := newTestDetector(t, Params{RunThreshold: 0.8, PredictionThreshold: 0.9, MinRunLength: 2, Patience: 1})

	scores := []float64{0.1, 0.85, 0.95, 0.86, 0.1, 0.1, 0.82, 0.83}
	found := d.DetectRuns(scores)

	require.Len(t, found, 2)
	assert.Equal(t, Run{Start: 1, Length: 3, PeakProb: 0.95, PeakIndex: 2}, found[0])
	assert.Equal(t, Run{Start: 6, Length: 2, PeakProb: 0.83, PeakIndex: 7}, found[1])
}

func TestDetectRunsLongRunReportsPeakNotEarlyIndex(t *testing.T) {
	// The batch form has the whole sequence, so a long run reports its true
	// peak instead of the 20th-frame early index.
	d := newTestDetector(t, Params{RunThreshold: 0.8, PredictionThreshold: 0.85, MinRunLength: 5, Patience: 2})

	scores := repeat(0.9, 25)
	scores[22] = 0.99
	found := d.DetectRuns(scores)

	require.Len(t, found, 1)
	assert.Equal(t, 22, found[0].PeakIndex)
	assert.Equal(t, 25, found[0].Length)
}
