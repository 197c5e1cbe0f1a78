// Package apd measures action-potential duration from a voltage stream one
// sample at a time.
package apd

// Mode is the state of the per-beat detection automaton.
type Mode int

const (
	ModeStart Mode = iota
	ModePeak
	ModeDown
	ModeDone
)

func (m Mode) String() string {
	switch m {
	case ModeStart:
		return "start"
	case ModePeak:
		return "peak"
	case ModeDown:
		return "down"
	case ModeDone:
		return "done"
	default:
		return "unknown"
	}
}

// PeakSettleMS is how long no new maximum must be seen before the peak is final.
const PeakSettleMS = 5.0

type Params struct {
	// UpstrokeThreshold is the voltage (mV) marking the start of an AP.
	UpstrokeThreshold float64
	// RepolPercent is the repolarization fraction (whole percent) marking its end.
	RepolPercent int
	// StimWindow (ms) after the upstroke is ignored to reject the stimulus artifact.
	StimWindow float64
	// UpstrokeTimeout is the number of steps after a reset without an upstroke
	// before the beat is reported as APD 0. Zero waits indefinitely.
	UpstrokeTimeout int64
}

// Detector is a four-state automaton advanced once per step. Phase 1 (Reset or
// BeginBeat) arms it at a stimulus; phase 2 (Advance) consumes one sample.
type Detector struct {
	params Params

	mode            Mode
	rest            float64
	downstroke      float64
	startTime       float64
	peakTime        float64
	peakVoltage     float64
	endTime         float64
	ticksSinceReset int64
	apd             float64
}

// New returns a quiescent detector; it measures nothing until the first reset.
func New(params Params) *Detector {
	return &Detector{params: params, mode: ModeDone}
}

func (d *Detector) SetParams(params Params) {
	d.params = params
}

func (d *Detector) Params() Params {
	return d.params
}

func (d *Detector) Mode() Mode {
	return d.mode
}

// InProgress reports whether an AP has started and not yet repolarized.
func (d *Detector) InProgress() bool {
	return d.mode == ModePeak || d.mode == ModeDown
}

// APD returns the last completed measurement in ms.
func (d *Detector) APD() float64 {
	return d.apd
}

func (d *Detector) Rest() float64 {
	return d.rest
}

func (d *Detector) Downstroke() float64 {
	return d.downstroke
}

func (d *Detector) PeakVoltage() float64 {
	return d.peakVoltage
}

// MarkRest records the resting voltage captured at a stimulus.
func (d *Detector) MarkRest(v float64) {
	d.rest = v
}

// Reset is phase 1: arm the automaton for a new beat.
func (d *Detector) Reset() {
	d.mode = ModeStart
	d.ticksSinceReset = 0
}

// BeginBeat marks the new beat's resting voltage and resets the automaton
// unless the previous AP is still in progress, in which case that measurement
// continues. It reports whether a reset happened.
func (d *Detector) BeginBeat(rest float64) bool {
	d.MarkRest(rest)
	if d.InProgress() {
		return false
	}
	d.Reset()
	return true
}

// Advance is phase 2. It performs at most one mode transition and reports
// whether this sample completed the beat's measurement.
func (d *Detector) Advance(time, v float64) (apd float64, done bool) {
	switch d.mode {
	case ModeStart:
		d.ticksSinceReset++
		if v >= d.params.UpstrokeThreshold {
			d.startTime = time
			d.peakVoltage = d.rest
			d.peakTime = time
			d.mode = ModePeak
			return 0, false
		}
		if d.params.UpstrokeTimeout > 0 && d.ticksSinceReset > d.params.UpstrokeTimeout {
			d.apd = 0
			d.mode = ModeDone
			return 0, true
		}

	case ModePeak:
		if time-d.startTime <= d.params.StimWindow {
			return 0, false
		}
		if v > d.peakVoltage {
			d.peakVoltage = v
			d.peakTime = time
		} else if time-d.peakTime > PeakSettleMS {
			amplitude := d.peakVoltage - d.rest
			d.downstroke = d.peakVoltage - amplitude*(float64(d.params.RepolPercent)/100.0)
			d.mode = ModeDown
		}

	case ModeDown:
		if v <= d.downstroke {
			d.endTime = time
			d.apd = d.endTime - d.startTime
			d.mode = ModeDone
			return d.apd, true
		}
	}
	return 0, false
}
