package engine

import "rrcstim/internal/model"

const (
	// StimThresholdSeed is the first trial current (nA).
	StimThresholdSeed = 2.0
	// StimThresholdStep is added to the trial current after each failed trial (nA).
	StimThresholdStep = 0.1
	// StimThresholdMargin scales the found threshold into the published amplitude.
	StimThresholdMargin = 1.25

	baselineToleranceMV = 2.0
	minResponseMS       = 50.0
	minPeakMV           = 10.0
	restIntervalMS      = 200.0
)

// stimThresholdMode raises the stimulus current until one trial produces an
// action potential. A response counts as an AP when it lasts longer than
// minResponseMS before returning to baseline and peaks above minPeakMV.
type stimThresholdMode struct {
	level            float64
	rest             float64
	peak             float64
	trialStart       float64
	backToBaseline   bool
	responseDuration float64
	responseTime     float64
}

func newStimThresholdMode(rest float64) *stimThresholdMode {
	return &stimThresholdMode{
		level: StimThresholdSeed,
		rest:  rest,
		peak:  rest,
	}
}

func (*stimThresholdMode) protocol() model.Protocol { return model.ProtocolStimThreshold }

func (m *stimThresholdMode) step(e *Engine) (float64, bool) {
	if e.beatElapsed() < e.ticks.stim {
		m.backToBaseline = false
		return m.level * 1e-9, false
	}

	v := e.voltage
	now := e.run.time
	if v > m.peak {
		m.peak = v
	}
	if v-m.rest >= baselineToleranceMV {
		return 0, false
	}

	if !m.backToBaseline {
		m.responseDuration = now - m.trialStart
		m.responseTime = now
		m.backToBaseline = true
	}

	if m.responseDuration > minResponseMS && m.peak > minPeakMV {
		e.cfg.StimAmplitude = m.level * StimThresholdMargin
		return 0, true
	}

	if now-m.responseTime > restIntervalMS {
		m.level += StimThresholdStep
		m.trialStart = now
		m.peak = m.rest
		m.backToBaseline = false
		// The next trial's stimulus starts on the following step so it lasts
		// the full stimulus length.
		e.run.beat++
		e.run.beatStart = e.run.tick + 1
	}
	return 0, false
}
