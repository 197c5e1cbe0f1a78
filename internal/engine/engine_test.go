package engine

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"rrcstim/internal/apd"
	"rrcstim/internal/model"
)

func TestNewRejectsNonPositivePeriod(t *testing.T) {
	for _, period := range []time.Duration{0, -time.Millisecond} {
		if _, err := New(period, model.DefaultConfig()); !errors.Is(err, ErrInvalidPeriod) {
			t.Fatalf("period %v: expected ErrInvalidPeriod, got %v", period, err)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.RRCBeatNumber = 0
	if _, err := New(time.Millisecond, cfg); !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestIdleEmitsZeroAndTracksVoltage(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.LJP = 10
	e := newTestEngine(t, time.Millisecond, cfg)
	for i := 0; i < 5; i++ {
		if current := e.Step(-0.07); current != 0 {
			t.Fatalf("idle engine emitted %g", current)
		}
	}
	snap := e.Snapshot()
	if snap.Protocol != model.ProtocolIdle {
		t.Fatalf("expected idle, got %s", snap.Protocol)
	}
	if math.Abs(snap.Voltage-(-80)) > 1e-9 {
		t.Fatalf("expected working voltage -80 mV, got %f", snap.Voltage)
	}
}

func TestPaceEndToEndScenario(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.BCL = 1000
	cfg.StimLength = 1
	cfg.StimAmplitude = 4
	e := newTestEngine(t, time.Millisecond, cfg)
	if err := e.Start(model.ProtocolPace); err != nil {
		t.Fatalf("start: %v", err)
	}

	for tick := 0; tick < 5500; tick++ {
		current := e.Step(mvToSample(restMV))
		want := 0.0
		if tick%1000 == 0 {
			want = 4e-9
		}
		if current != want {
			t.Fatalf("tick %d: current=%g want=%g", tick, current, want)
		}
		snap := e.Snapshot()
		if snap.Tick != int64(tick) {
			t.Fatalf("tick %d: snapshot tick=%d", tick, snap.Tick)
		}
		if wantBeat := float64(tick/1000 + 1); snap.Beat != wantBeat {
			t.Fatalf("tick %d: beat=%f want=%f", tick, snap.Beat, wantBeat)
		}
		if math.Abs(snap.Time-float64(tick)) > 1e-9 {
			t.Fatalf("tick %d: time=%f", tick, snap.Time)
		}
	}
}

func TestPaceBeatAndStimulusTicks(t *testing.T) {
	cases := []struct {
		period     time.Duration
		bcl        float64
		stimLength float64
	}{
		{period: time.Millisecond, bcl: 250, stimLength: 2},
		{period: 250 * time.Microsecond, bcl: 100, stimLength: 1},
		{period: 300 * time.Microsecond, bcl: 100, stimLength: 1},
		{period: 700 * time.Microsecond, bcl: 50, stimLength: 3},
		{period: 2 * time.Millisecond, bcl: 99, stimLength: 1},
	}
	for _, tc := range cases {
		cfg := model.DefaultConfig()
		cfg.BCL = tc.bcl
		cfg.StimLength = tc.stimLength
		e := newTestEngine(t, tc.period, cfg)
		if err := e.Start(model.ProtocolPace); err != nil {
			t.Fatalf("start: %v", err)
		}

		periodMS := float64(tc.period) * 1e-6
		bclTicks := int(tc.bcl / periodMS)
		stimTicks := int(tc.stimLength / periodMS)

		lastBeat := 1.0
		beatStart := 0
		for step := 0; step < bclTicks*6; step++ {
			current := e.Step(mvToSample(restMV))
			beat := e.Snapshot().Beat
			if beat != lastBeat {
				if beat != lastBeat+1 {
					t.Fatalf("period %v: beat jumped from %f to %f", tc.period, lastBeat, beat)
				}
				if step-beatStart != bclTicks {
					t.Fatalf("period %v: beat length %d want %d", tc.period, step-beatStart, bclTicks)
				}
				beatStart = step
				lastBeat = beat
			}
			inStim := step-beatStart < stimTicks
			if inStim && current == 0 {
				t.Fatalf("period %v step %d: expected stimulus", tc.period, step)
			}
			if !inStim && current != 0 {
				t.Fatalf("period %v step %d: unexpected current %g", tc.period, step, current)
			}
		}
		if lastBeat != 6 {
			t.Fatalf("period %v: expected 6 beats, got %f", tc.period, lastBeat)
		}
	}
}

func TestPaceMeasuresAPD(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.BCL = 500
	e := newTestEngine(t, time.Millisecond, cfg)
	cell := &squareCell{periodMS: 1, thresholdNA: 1, baseMS: 200}
	e.Step(cell.sample())
	if err := e.Start(model.ProtocolPace); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(e, cell, 1400, nil)
	if got := e.Snapshot().APD; math.Abs(got-200) > 2 {
		t.Fatalf("expected apd near 200ms, got %f", got)
	}
}

func TestPaceKeepsMeasuringWhenAPOutlastsBeat(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.BCL = 100
	e := newTestEngine(t, time.Millisecond, cfg)
	cell := &squareCell{periodMS: 1, thresholdNA: 1, baseMS: 150}
	e.Step(cell.sample())
	if err := e.Start(model.ProtocolPace); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(e, cell, 101, nil)
	if e.detector.Mode() != apd.ModeDown {
		t.Fatalf("expected AP still in progress at beat 2, got %s", e.detector.Mode())
	}
	drive(e, cell, 60, nil)
	if got := e.Snapshot().APD; math.Abs(got-150) > 2 {
		t.Fatalf("expected the long AP to be measured across the beat boundary, got %f", got)
	}
}

func TestStartStopsActiveProtocolAndRecording(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Record.Pace = true
	rec := &countingRecorder{}
	e := newTestEngine(t, time.Millisecond, cfg, WithRecorder(rec))

	if err := e.Start(model.ProtocolPace); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Step(mvToSample(restMV))
	if starts, _ := rec.counts(); starts != 1 || !e.Snapshot().Recording {
		t.Fatalf("expected recording start on tick 0, got starts=%d", starts)
	}
	e.Step(mvToSample(restMV))
	if starts, _ := rec.counts(); starts != 1 {
		t.Fatalf("recording must start once, got %d", starts)
	}

	if err := e.Start(model.ProtocolRRCProtocol); err != nil {
		t.Fatalf("start rrc protocol: %v", err)
	}
	if _, stops := rec.counts(); stops != 1 {
		t.Fatalf("expected switching protocols to stop recording, got %d stops", stops)
	}
	if e.Snapshot().Recording {
		t.Fatal("recording flag still set")
	}
	e.Step(mvToSample(restMV))
	if starts, _ := rec.counts(); starts != 1 {
		t.Fatalf("rrc protocol has recording disabled, got %d starts", starts)
	}
	if snap := e.Snapshot(); snap.Protocol != model.ProtocolRRCProtocol || snap.Tick != 0 || snap.Beat != 1 {
		t.Fatalf("unexpected state after restart: %+v", snap)
	}
}

func TestStopForcesIdleAndZeroOutput(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Record.StimThreshold = true
	rec := &countingRecorder{}
	e := newTestEngine(t, time.Millisecond, cfg, WithRecorder(rec))
	e.Step(mvToSample(restMV))
	if err := e.Start(model.ProtocolStimThreshold); err != nil {
		t.Fatalf("start: %v", err)
	}
	if current := e.Step(mvToSample(restMV)); current == 0 {
		t.Fatal("expected trial stimulus on tick 0")
	}
	e.Stop()
	if _, stops := rec.counts(); stops != 1 {
		t.Fatalf("expected one recording stop, got %d", stops)
	}
	if current := e.Step(mvToSample(restMV)); current != 0 {
		t.Fatalf("expected zero after stop, got %g", current)
	}
	snap := e.Snapshot()
	if snap.Protocol != model.ProtocolIdle || snap.Current != 0 {
		t.Fatalf("unexpected snapshot after stop: %+v", snap)
	}
	e.Stop()
	if _, stops := rec.counts(); stops != 1 {
		t.Fatalf("stopping an idle engine must not notify the recorder, got %d", stops)
	}
}

func TestStartIdleStops(t *testing.T) {
	e := newTestEngine(t, time.Millisecond, model.DefaultConfig())
	if err := e.Start(model.ProtocolPace); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(model.ProtocolIdle); err != nil {
		t.Fatalf("start idle: %v", err)
	}
	if e.Protocol() != model.ProtocolIdle {
		t.Fatalf("expected idle, got %s", e.Protocol())
	}
	if err := e.Start(model.Protocol(42)); !errors.Is(err, ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestUpdateConfigAppliesBetweenSteps(t *testing.T) {
	e := newTestEngine(t, time.Millisecond, model.DefaultConfig())
	if err := e.Start(model.ProtocolPace); err != nil {
		t.Fatalf("start: %v", err)
	}
	if current := e.Step(0); current != 4e-9 {
		t.Fatalf("unexpected current %g", current)
	}
	if err := e.UpdateConfig(func(cfg *model.Config) error {
		cfg.StimAmplitude = 6
		cfg.BCL = 10
		return nil
	}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	for i := 1; i < 10; i++ {
		e.Step(0)
	}
	if current := e.Step(0); math.Abs(current-6e-9) > 1e-15 {
		t.Fatalf("expected new amplitude and cycle length, got %g", current)
	}
	if err := e.UpdateConfig(func(cfg *model.Config) error { cfg.BCL = 0; return nil }); !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
	errRefused := errors.New("refused")
	if err := e.UpdateConfig(func(cfg *model.Config) error { cfg.BCL = 20; return errRefused }); !errors.Is(err, errRefused) {
		t.Fatalf("expected the update error, got %v", err)
	}
	if e.Config().BCL != 10 {
		t.Fatalf("rejected update must not be applied, bcl=%f", e.Config().BCL)
	}
}

func TestConcurrentConfigurationIsLinearized(t *testing.T) {
	e := newTestEngine(t, 100*time.Microsecond, model.DefaultConfig())
	if err := e.Start(model.ProtocolPace); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20000; i++ {
			current := e.Step(mvToSample(restMV))
			if current != 0 && current != 4e-9 && current != 8e-9 {
				t.Errorf("step observed a torn amplitude: %g", current)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			amp := 4.0
			if i%2 == 0 {
				amp = 8
			}
			if err := e.UpdateConfig(func(cfg *model.Config) error {
				cfg.StimAmplitude = amp
				cfg.BCL = 5
				return nil
			}); err != nil {
				t.Errorf("update: %v", err)
				return
			}
			_ = e.Snapshot()
		}
	}()
	wg.Wait()
}
