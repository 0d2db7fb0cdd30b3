// Package runs implements the run-based frame selection algorithm: a rolling
// sequence of per-frame classifier probabilities is segmented into "runs" of
// consecutive at-or-above-threshold frames (tolerating brief dips), and each
// qualifying run yields at most one extraction candidate.
package runs

import "fmt"

// EarlyCheckLength is the number of in-run frames after which a sustained run
// may emit its extraction early instead of waiting for the run to close.
const EarlyCheckLength = 20

// Params tunes the detector. All values are caller-supplied and validated at
// construction.
type Params struct {
	// RunThreshold is the minimum probability for a frame to count as in-run.
	RunThreshold float64
	// PredictionThreshold is the minimum peak probability a run must reach
	// for the batch path to persist it.
	PredictionThreshold float64
	// MinRunLength is the minimum number of in-run frames (dips excluded)
	// for a run to be eligible for extraction.
	MinRunLength int
	// Patience is how many consecutive sub-threshold frames are tolerated
	// before a run closes.
	Patience int
}

func (p Params) Validate() error {
	if p.RunThreshold < 0 || p.RunThreshold > 1 {
		return fmt.Errorf("run threshold %v outside [0,1]", p.RunThreshold)
	}
	if p.PredictionThreshold < 0 || p.PredictionThreshold > 1 {
		return fmt.Errorf("prediction threshold %v outside [0,1]", p.PredictionThreshold)
	}
	if p.MinRunLength < 1 {
		return fmt.Errorf("min run length %d must be at least 1", p.MinRunLength)
	}
	if p.Patience < 0 {
		return fmt.Errorf("patience %d must not be negative", p.Patience)
	}
	return nil
}

// State is the detector's working memory for one session. The open-run fields
// are set together when a run opens and cleared together when it closes.
type State struct {
	Open       bool
	StartIndex int
	Below      int // consecutive sub-threshold frames since last in-run frame
	Frames     int // in-run frames accumulated, dips excluded
	PeakProb   float64
	PeakIndex  int
	EarlyFired bool
}

func (s *State) reset() { *s = State{} }

// Run describes one closed (or stream-terminated) run.
type Run struct {
	Start     int
	Length    int
	PeakProb  float64
	PeakIndex int
}

// Event names a single frame to extract.
type Event struct {
	Index       int
	Probability float64
	Early       bool
}

// Detector applies the transition rules. It is stateless; all per-session
// state lives in the State the caller owns.
type Detector struct {
	params Params
}

func NewDetector(p Params) (*Detector, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run detector params: %w", err)
	}
	return &Detector{params: p}, nil
}

func (d *Detector) Params() Params { return d.params }

// advance applies one score to the state. When the score closes the current
// run it returns the run descriptor (regardless of length) and whether an
// early extraction had already fired for it; the state is cleared.
func (d *Detector) advance(st *State, index int, prob float64) (closed *Run, closedEarly bool) {
	if prob >= d.params.RunThreshold {
		if !st.Open {
			st.Open = true
			st.StartIndex = index
			st.Below = 0
			st.Frames = 1
			st.PeakProb = prob
			st.PeakIndex = index
			st.EarlyFired = false
			return nil, false
		}
		st.Frames++
		st.Below = 0
		if prob > st.PeakProb {
			st.PeakProb = prob
			st.PeakIndex = index
		}
		return nil, false
	}

	if !st.Open {
		return nil, false
	}

	st.Below++
	if st.Below <= d.params.Patience {
		// Tolerated dip: frames-in-run and peak are untouched.
		return nil, false
	}

	run := &Run{Start: st.StartIndex, Length: st.Frames, PeakProb: st.PeakProb, PeakIndex: st.PeakIndex}
	early := st.EarlyFired
	st.reset()
	return run, early
}

// Push feeds one score to the incremental form. It returns an extraction
// event at most once per run: either the early one-shot for a sustained run,
// or the run's peak when the run closes.
func (d *Detector) Push(st *State, index int, prob float64) (Event, bool) {
	closed, early := d.advance(st, index, prob)
	if closed != nil {
		if closed.Length >= d.params.MinRunLength && !early {
			return Event{Index: closed.PeakIndex, Probability: closed.PeakProb}, true
		}
		return Event{}, false
	}

	if st.Open && !st.EarlyFired && st.Frames >= EarlyCheckLength && prob >= d.params.RunThreshold {
		st.EarlyFired = true
		return Event{Index: index, Probability: prob, Early: true}, true
	}
	return Event{}, false
}

// Flush closes a run still open at end of stream, as if patience had just
// been exceeded. Guarantees a trailing run is not silently lost.
func (d *Detector) Flush(st *State) (Event, bool) {
	if !st.Open {
		return Event{}, false
	}
	run := Run{Start: st.StartIndex, Length: st.Frames, PeakProb: st.PeakProb, PeakIndex: st.PeakIndex}
	early := st.EarlyFired
	st.reset()
	if run.Length >= d.params.MinRunLength && !early {
		return Event{Index: run.PeakIndex, Probability: run.PeakProb}, true
	}
	return Event{}, false
}

// DetectRuns is the batch form: the identical transition rules applied to a
// complete score array in one pass. It reports every run of sufficient
// length; the caller filters peaks against PredictionThreshold before
// persisting. No early check is needed because the whole sequence is known.
func (d *Detector) DetectRuns(scores []float64) []Run {
	var st State
	var out []Run
	for i, p := range scores {
		if closed, _ := d.advance(&st, i, p); closed != nil && closed.Length >= d.params.MinRunLength {
			out = append(out, *closed)
		}
	}
	if st.Open && st.Frames >= d.params.MinRunLength {
		out = append(out, Run{Start: st.StartIndex, Length: st.Frames, PeakProb: st.PeakProb, PeakIndex: st.PeakIndex})
	}
	return out
}
