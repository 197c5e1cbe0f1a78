package engine

import "rrcstim/internal/model"

// rrcProtocolMode paces for RRCEndBeatNumber beats. On every RRCBeatNumber-th
// beat two draws in [1,100] decide whether RRC is injected (draw <= RRCChance)
// and whether it is supra- (draw >= 50) or sub-threshold.
type rrcProtocolMode struct {
	window   injectionWindow
	decision model.Injection
}

func (*rrcProtocolMode) protocol() model.Protocol { return model.ProtocolRRCProtocol }

func (m *rrcProtocolMode) begin(e *Engine) {
	m.window = e.window()
	m.draw(e)
}

func (m *rrcProtocolMode) step(e *Engine) (float64, bool) {
	if e.beatEnded() {
		if e.run.beat >= int64(e.cfg.RRCEndBeatNumber) {
			return 0, true
		}
		e.nextBeat()
		m.window = e.window()
		m.draw(e)
	}

	current := e.stimulus()
	if m.decision != model.InjectionNone && m.window.contains(e.beatElapsed()) {
		scale := float64(e.cfg.RRCThresholdWindow) / 100.0
		if m.decision == model.InjectionSupra {
			current += e.cfg.RRCAmplitude * (1 + scale) * 1e-9
		} else {
			current += e.cfg.RRCAmplitude * (1 - scale) * 1e-9
		}
	}
	e.advanceDetector()
	return current, false
}

// draw fixes this beat's injection decision.
func (m *rrcProtocolMode) draw(e *Engine) {
	m.decision = model.InjectionNone
	if e.run.beat%int64(e.cfg.RRCBeatNumber) == 0 {
		inject := e.rng.Intn(100) + 1
		direction := e.rng.Intn(100) + 1
		if inject <= e.cfg.RRCChance {
			if direction >= 50 {
				m.decision = model.InjectionSupra
			} else {
				m.decision = model.InjectionSub
			}
		}
	}
	e.injection = m.decision
}
