// Package rt hosts an engine on a fixed-period loop: it reads the voltage
// channel, steps the engine and writes the returned current.
package rt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rrcstim/internal/io"
	"rrcstim/internal/model"
)

var ErrInvalidPeriod = errors.New("thread period must be > 0")

// Engine is the part of the stimulation engine the loop drives.
type Engine interface {
	Step(sample float64) float64
	Snapshot() model.Snapshot
}

// SampleSink receives the snapshot of every step taken while recording.
type SampleSink interface {
	Record(model.Snapshot)
}

type Config struct {
	Period time.Duration
	// Realtime paces steps with a ticker. Otherwise steps run back to back
	// in virtual time.
	Realtime bool
	// StopWhenIdle ends Run on the first step that leaves the engine idle.
	StopWhenIdle bool
	// MaxSteps bounds the run when > 0.
	MaxSteps int64
}

type Option func(*Thread)

func WithSink(sink SampleSink) Option {
	return func(t *Thread) {
		t.sink = sink
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Thread) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Stats summarizes a finished run.
type Stats struct {
	Steps    int64          `json:"steps"`
	Overruns int64          `json:"overruns"`
	Last     model.Snapshot `json:"last"`
}

type Thread struct {
	engine Engine
	in     io.VoltageInput
	out    io.CurrentOutput
	cfg    Config
	sink   SampleSink
	logger *slog.Logger

	// mu is held for each step; Sync takes it to run between steps.
	mu     sync.Mutex
	active atomic.Bool
	wake   chan struct{}
	steps  atomic.Int64
}

func NewThread(engine Engine, in io.VoltageInput, out io.CurrentOutput, cfg Config, opts ...Option) (*Thread, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if in == nil || out == nil {
		return nil, errors.New("input and output channels are required")
	}
	if cfg.Period <= 0 {
		return nil, ErrInvalidPeriod
	}
	t := &Thread{
		engine: engine,
		in:     in,
		out:    out,
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
		wake:   make(chan struct{}, 1),
	}
	t.active.Store(true)
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// SetActive pauses or resumes stepping. Threads start active; a paused
// thread holds its output.
func (t *Thread) SetActive(active bool) {
	t.active.Store(active)
	if active {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
}

// Sync runs fn between two steps.
func (t *Thread) Sync(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

// Steps reports how many steps have run so far.
func (t *Thread) Steps() int64 { return t.steps.Load() }

// Run steps the engine until ctx is done, MaxSteps is reached, or the engine
// goes idle with StopWhenIdle set. The output is zeroed on return.
func (t *Thread) Run(ctx context.Context) (Stats, error) {
	var (
		stats  Stats
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	if t.cfg.Realtime {
		ticker = time.NewTicker(t.cfg.Period)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		if err := t.out.Write(context.WithoutCancel(ctx), 0); err != nil {
			t.logger.Warn("zero output failed", "channel", t.out.Name(), "error", err)
		}
	}()

	t.logger.Info("thread started", "period", t.cfg.Period, "realtime", t.cfg.Realtime, "input", t.in.Name(), "output", t.out.Name())
	for {
		if t.cfg.MaxSteps > 0 && stats.Steps >= t.cfg.MaxSteps {
			return t.finish(stats, "max steps"), nil
		}
		if !t.active.Load() {
			select {
			case <-ctx.Done():
				return t.finish(stats, "canceled"), nil
			case <-t.wake:
				continue
			}
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return t.finish(stats, "canceled"), nil
			case <-tick:
			}
		} else {
			select {
			case <-ctx.Done():
				return t.finish(stats, "canceled"), nil
			default:
			}
		}

		began := time.Now()
		snap, err := t.step(ctx)
		if err != nil {
			t.finish(stats, "error")
			return stats, err
		}
		stats.Steps++
		stats.Last = snap
		if t.cfg.Realtime && time.Since(began) > t.cfg.Period {
			stats.Overruns++
		}
		if t.cfg.StopWhenIdle && snap.Protocol == model.ProtocolIdle {
			return t.finish(stats, "engine idle"), nil
		}
	}
}

func (t *Thread) step(ctx context.Context) (model.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	volts, err := t.in.Read(ctx)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("read %s: %w", t.in.Name(), err)
	}
	amps := t.engine.Step(volts)
	if err := t.out.Write(ctx, amps); err != nil {
		return model.Snapshot{}, fmt.Errorf("write %s: %w", t.out.Name(), err)
	}
	t.steps.Add(1)
	snap := t.engine.Snapshot()
	if snap.Recording && t.sink != nil {
		t.sink.Record(snap)
	}
	return snap, nil
}

func (t *Thread) finish(stats Stats, reason string) Stats {
	t.logger.Info("thread stopped", "reason", reason, "steps", stats.Steps, "overruns", stats.Overruns)
	return stats
}
