// Package engine implements the per-step stimulation dispatcher: it selects
// one of the stimulation protocols, tracks beats and drives APD detection for
// a single voltage input and current output.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"rrcstim/internal/apd"
	"rrcstim/internal/model"
)

var (
	ErrInvalidPeriod   = errors.New("period must be > 0")
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// Recorder receives recording notifications from the step path. Both calls
// run while a step is in flight and must not block.
type Recorder interface {
	StartRecording()
	StopRecording()
}

type Option func(*Engine)

// WithSeed seeds the engine-owned generator used by the randomized protocol.
func WithSeed(seed int64) Option {
	return func(e *Engine) {
		e.rng = rand.New(rand.NewSource(seed))
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// WithLogger sets the logger used by out-of-band operations. Step never logs.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type runState struct {
	time      float64
	tick      int64
	beat      int64
	beatStart int64
	apd       float64
	current   float64
}

// tickPlan holds millisecond parameters converted to whole steps. Conversions
// truncate, so durations shorter than one period round down to zero steps.
type tickPlan struct {
	bcl  int64
	stim int64
}

// protocolMode is one active dispatcher mode. Idle is represented by the
// absence of a mode; a variant's fields live only as long as its run.
type protocolMode interface {
	protocol() model.Protocol
	// step runs after the clock advanced and returns the output current in
	// amps. finished moves the engine back to idle before the output is applied.
	step(e *Engine) (current float64, finished bool)
}

// Engine is safe for concurrent use: Step holds the engine lock for the whole
// step, and every out-of-band operation takes the same lock, so configuration
// changes and protocol switches are linearized between steps.
type Engine struct {
	mu sync.Mutex

	cfg      model.Config
	period   float64
	ticks    tickPlan
	run      runState
	detector *apd.Detector
	mode     protocolMode

	voltage   float64
	injection model.Injection
	recording bool

	rng      *rand.Rand
	recorder Recorder
	logger   *slog.Logger
}

// New builds an idle engine stepping at the given period.
func New(period time.Duration, cfg model.Config, opts ...Option) (*Engine, error) {
	if period <= 0 {
		return nil, fmt.Errorf("new engine: %w", ErrInvalidPeriod)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	e := &Engine{
		cfg:    cfg,
		period: durationToMS(period),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	e.detector = apd.New(e.detectorParams())
	e.ticks = e.plan()
	return e, nil
}

func durationToMS(d time.Duration) float64 {
	return float64(d) * 1e-6
}

// Step consumes one voltage sample (V) and returns the output current (A).
func (e *Engine) Step(sample float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.voltage = sample*1e3 - e.cfg.LJP
	if e.mode == nil {
		e.run.current = 0
		return 0
	}

	e.run.tick++
	e.run.time = float64(e.run.tick) * e.period

	if e.run.tick == 0 && e.cfg.Record.For(e.mode.protocol()) && !e.recording {
		e.startRecording()
	}

	current, finished := e.mode.step(e)
	if finished {
		e.toIdle()
		return 0
	}
	e.run.current = current
	return current
}

// Start switches to the given protocol, stopping any active one first, and
// resets run state so the next step is tick 0 of beat 1.
func (e *Engine) Start(p model.Protocol) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p == model.ProtocolIdle {
		e.stopLocked()
		return nil
	}

	var mode protocolMode
	switch p {
	case model.ProtocolPace:
		mode = &paceMode{}
	case model.ProtocolStimThreshold:
		mode = newStimThresholdMode(e.voltage)
	case model.ProtocolRRCThreshold:
		mode = newRRCThresholdMode(e.cfg.ThreshStartAmplitude)
	case model.ProtocolRRCProtocol:
		mode = &rrcProtocolMode{}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownProtocol, p)
	}

	if e.mode != nil {
		e.stopLocked()
	}
	e.resetRun()
	e.mode = mode
	if starter, ok := mode.(interface{ begin(*Engine) }); ok {
		starter.begin(e)
	}
	e.logger.Info("protocol started", "protocol", p.String(), "period_ms", e.period)
	return nil
}

// Stop cancels the active protocol. It takes effect before the next step.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.mode == nil {
		return
	}
	p := e.mode.protocol()
	e.toIdle()
	e.logger.Info("protocol stopped", "protocol", p.String(), "beat", e.run.beat, "time_ms", e.run.time)
}

func (e *Engine) toIdle() {
	if e.recording {
		e.stopRecording()
	}
	e.mode = nil
	e.run.current = 0
	e.injection = model.InjectionNone
}

func (e *Engine) resetRun() {
	e.ticks = e.plan()
	e.run.time = -e.period
	e.run.tick = -1
	e.run.beat = 1
	e.run.beatStart = 0
	e.run.current = 0
	e.injection = model.InjectionNone
	e.detector.SetParams(e.detectorParams())
	e.detector.MarkRest(e.voltage)
	e.detector.Reset()
}

func (e *Engine) startRecording() {
	e.recording = true
	if e.recorder != nil {
		e.recorder.StartRecording()
	}
}

func (e *Engine) stopRecording() {
	e.recording = false
	if e.recorder != nil {
		e.recorder.StopRecording()
	}
}

func (e *Engine) plan() tickPlan {
	return tickPlan{
		bcl:  int64(e.cfg.BCL / e.period),
		stim: int64(e.cfg.StimLength / e.period),
	}
}

func (e *Engine) detectorParams() apd.Params {
	params := apd.Params{
		UpstrokeThreshold: e.cfg.APDUpstrokeThreshold,
		RepolPercent:      e.cfg.APDRepolPercent,
		StimWindow:        float64(e.cfg.APDStimWindow),
	}
	if e.cfg.APDUpstrokeTimeout {
		// An enabled timeout never rounds down to "wait forever".
		params.UpstrokeTimeout = max(1, int64(2*float64(e.cfg.APDStimWindow)/e.period))
	}
	return params
}

// Config returns a copy of the live configuration, including values published
// by completed threshold searches.
func (e *Engine) Config() model.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces the configuration between two steps. Derived step counts
// and detector parameters are recomputed immediately.
func (e *Engine) SetConfig(cfg model.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(cfg)
	return nil
}

// UpdateConfig applies fn to a copy of the live configuration and installs the
// result if fn succeeds and the result validates.
func (e *Engine) UpdateConfig(fn func(*model.Config) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	if err := fn(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.applyLocked(cfg)
	return nil
}

func (e *Engine) applyLocked(cfg model.Config) {
	e.cfg = cfg
	e.ticks = e.plan()
	e.detector.SetParams(e.detectorParams())
	e.logger.Debug("config applied", "bcl", cfg.BCL, "stim_amplitude", cfg.StimAmplitude, "stim_length", cfg.StimLength)
}

// Period returns the step period in ms.
func (e *Engine) Period() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.period
}

// Helpers shared by the protocol modes. All run with the engine lock held.

func (e *Engine) beatElapsed() int64 {
	return e.run.tick - e.run.beatStart
}

func (e *Engine) beatEnded() bool {
	return e.beatElapsed() >= e.ticks.bcl
}

// nextBeat starts a new beat at the current tick and arms APD detection,
// unless the previous AP has not repolarized yet.
func (e *Engine) nextBeat() {
	e.run.beat++
	e.run.beatStart = e.run.tick
	e.detector.BeginBeat(e.voltage)
}

func (e *Engine) stimulus() float64 {
	if e.beatElapsed() < e.ticks.stim {
		return e.cfg.StimAmplitude * 1e-9
	}
	return 0
}

func (e *Engine) advanceDetector() {
	if value, done := e.detector.Advance(e.run.time, e.voltage); done {
		e.run.apd = value
	}
}

// injectionWindow is the open interval of beat-relative steps in which RRC is
// injected.
type injectionWindow struct {
	start int64
	end   int64
}

func (w injectionWindow) contains(elapsed int64) bool {
	return elapsed > w.start && elapsed < w.end
}

// window starts RRCDelay after the stimulus ends and lasts RRCLength, or until
// the next stimulus when RRCLength is zero. Both bounds count from beat start.
func (e *Engine) window() injectionWindow {
	w := injectionWindow{start: int64(float64(e.ticks.stim) + e.cfg.RRCDelay/e.period)}
	if e.cfg.RRCLength == 0 {
		w.end = e.ticks.bcl
	} else {
		w.end = int64(float64(e.cfg.RRCLength) / e.period)
	}
	return w
}

type paceMode struct{}

func (*paceMode) protocol() model.Protocol { return model.ProtocolPace }

func (*paceMode) step(e *Engine) (float64, bool) {
	if e.beatEnded() {
		e.nextBeat()
	}
	current := e.stimulus()
	e.advanceDetector()
	return current, false
}
