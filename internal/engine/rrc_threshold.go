package engine

import (
	"rrcstim/internal/apd"
	"rrcstim/internal/model"
)

// rrcThresholdMode injects RRC every ThreshBeatNumber beats, raising the
// amplitude until the APD of an injected beat grows by more than the cutoff
// relative to the previous injected beat, or the cell fails to repolarize.
type rrcThresholdMode struct {
	previousAPD float64
	amplitude   float64
	found       bool
	window      injectionWindow
}

func newRRCThresholdMode(start float64) *rrcThresholdMode {
	return &rrcThresholdMode{previousAPD: -1, amplitude: start}
}

func (*rrcThresholdMode) protocol() model.Protocol { return model.ProtocolRRCThreshold }

func (m *rrcThresholdMode) begin(e *Engine) {
	m.window = e.window()
}

func (m *rrcThresholdMode) injecting(e *Engine) bool {
	return e.run.beat%int64(e.cfg.ThreshBeatNumber) == 0
}

func (m *rrcThresholdMode) step(e *Engine) (float64, bool) {
	if e.beatEnded() {
		if m.injecting(e) {
			m.evaluate(e)
		}
		if m.found {
			e.cfg.RRCAmplitude = m.amplitude
			return 0, true
		}
		e.nextBeat()
		m.window = e.window()
	}

	current := e.stimulus()
	if m.injecting(e) && m.window.contains(e.beatElapsed()) {
		current += m.amplitude * 1e-9
	}
	e.advanceDetector()
	return current, false
}

// evaluate runs at the end of an injected beat.
func (m *rrcThresholdMode) evaluate(e *Engine) {
	cutoff := 1 + float64(e.cfg.ThreshAPDCutoff)/100.0
	switch {
	case m.previousAPD < 0:
		m.previousAPD = e.run.apd
	case e.detector.Mode() == apd.ModeDown:
		m.found = true
	case e.run.apd >= m.previousAPD*cutoff:
		m.found = true
	default:
		m.previousAPD = e.run.apd
		m.amplitude += e.cfg.ThreshAmpIncrement
	}
}
