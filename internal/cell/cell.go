// Package cell simulates an excitable cardiac cell with the two-variable
// Mitchell-Schaeffer model. It stands in for the amplifier channel when no
// preparation is attached: the engine reads its membrane potential and drives
// it with the injected current.
package cell

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var ErrInvalidParams = errors.New("invalid cell params")

// Params are the model constants. Time constants are in ms, the gate voltage
// is in normalized units and CmPF scales injected current into dV/dt.
type Params struct {
	TauIn    float64
	TauOut   float64
	TauOpen  float64
	TauClose float64
	VGate    float64

	RestMV    float64
	SpanMV    float64
	CmPF      float64
	LJPMV     float64
	MaxStepMS float64
}

func DefaultParams() Params {
	return Params{
		TauIn:     0.3,
		TauOut:    6,
		TauOpen:   120,
		TauClose:  150,
		VGate:     0.13,
		RestMV:    -85,
		SpanMV:    115,
		CmPF:      100,
		MaxStepMS: 0.01,
	}
}

func (p Params) validate() error {
	switch {
	case p.TauIn <= 0 || p.TauOut <= 0 || p.TauOpen <= 0 || p.TauClose <= 0:
		return fmt.Errorf("%w: time constants must be > 0", ErrInvalidParams)
	case p.SpanMV <= 0:
		return fmt.Errorf("%w: span must be > 0", ErrInvalidParams)
	case p.CmPF <= 0:
		return fmt.Errorf("%w: cm must be > 0", ErrInvalidParams)
	case p.MaxStepMS <= 0:
		return fmt.Errorf("%w: max step must be > 0", ErrInvalidParams)
	}
	return nil
}

type state struct {
	v float64
	h float64
}

// Cell is safe for concurrent use.
type Cell struct {
	mu     sync.Mutex
	params Params
	state  state
	time   float64
}

func New(params Params) (*Cell, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Cell{params: params, state: state{v: 0, h: 1}}, nil
}

// Voltage returns the membrane potential in mV.
func (c *Cell) Voltage() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voltageLocked()
}

func (c *Cell) voltageLocked() float64 {
	return c.params.RestMV + c.params.SpanMV*c.state.v
}

// Sample returns the recorded potential in volts, offset by the liquid
// junction potential as an amplifier would see it.
func (c *Cell) Sample() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.voltageLocked() + c.params.LJPMV) / 1e3
}

// Gate returns the inactivation gate h in [0,1].
func (c *Cell) Gate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.h
}

// Elapsed returns the simulated time in ms.
func (c *Cell) Elapsed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

// Advance integrates the model over dt while the given current (A) is held.
func (c *Cell) Advance(currentA float64, dt time.Duration) {
	if dt <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	total := float64(dt) * 1e-6
	steps := int(math.Ceil(total / c.params.MaxStepMS))
	h := total / float64(steps)
	drive := c.stimulusTerm(currentA)
	for i := 0; i < steps; i++ {
		c.state = c.euler(c.state, drive, h)
	}
	c.time += total
}

// stimulusTerm converts a current in A into normalized dv/dt per ms:
// dV/dt (mV/ms) = I (nA) / Cm (pF) * 1000.
func (c *Cell) stimulusTerm(currentA float64) float64 {
	dvdt := currentA * 1e9 / c.params.CmPF * 1000
	return dvdt / c.params.SpanMV
}

func (c *Cell) euler(s state, drive, dt float64) state {
	p := c.params
	dv := s.h*s.v*s.v*(1-s.v)/p.TauIn - s.v/p.TauOut + drive
	var dh float64
	if s.v < p.VGate {
		dh = (1 - s.h) / p.TauOpen
	} else {
		dh = -s.h / p.TauClose
	}
	next := state{v: s.v + dt*dv, h: s.h + dt*dh}
	next.h = math.Max(0, math.Min(1, next.h))
	return next
}

// Channel binds a cell to a fixed step period so a host loop can read from it
// and write the output current back.
type Channel struct {
	cell   *Cell
	period time.Duration
}

func NewChannel(c *Cell, period time.Duration) *Channel {
	return &Channel{cell: c, period: period}
}

func (ch *Channel) Cell() *Cell {
	return ch.cell
}

// Sample returns the current reading in volts.
func (ch *Channel) Sample() float64 {
	return ch.cell.Sample()
}

// Apply holds the current for one period.
func (ch *Channel) Apply(currentA float64) {
	ch.cell.Advance(currentA, ch.period)
}
