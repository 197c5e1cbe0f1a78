package io

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rrcstim/internal/cell"
)

const (
	ScalarChannelName        = "scalar"
	SimulatedCellChannelName = "simulated-cell"

	// maxSimulatedPeriod bounds the step period at which a single stimulus
	// step still resolves the upstroke of the simulated cell.
	maxSimulatedPeriod = 5 * time.Millisecond
)

type ScalarVoltageInput struct {
	mu    sync.RWMutex
	value float64
}

func NewScalarVoltageInput(initial float64) *ScalarVoltageInput {
	return &ScalarVoltageInput{value: initial}
}

func (s *ScalarVoltageInput) Name() string {
	return ScalarChannelName
}

func (s *ScalarVoltageInput) Read(_ context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, nil
}

func (s *ScalarVoltageInput) Set(volts float64) {
	s.mu.Lock()
	s.value = volts
	s.mu.Unlock()
}

type ScalarCurrentOutput struct {
	mu   sync.RWMutex
	last float64
}

func NewScalarCurrentOutput() *ScalarCurrentOutput {
	return &ScalarCurrentOutput{}
}

func (a *ScalarCurrentOutput) Name() string {
	return ScalarChannelName
}

func (a *ScalarCurrentOutput) Write(_ context.Context, amps float64) error {
	a.mu.Lock()
	a.last = amps
	a.mu.Unlock()
	return nil
}

func (a *ScalarCurrentOutput) Last() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// CellInput reads the membrane potential of a simulated cell.
type CellInput struct {
	channel *cell.Channel
}

func (c CellInput) Name() string {
	return SimulatedCellChannelName
}

func (c CellInput) Read(_ context.Context) (float64, error) {
	return c.channel.Sample(), nil
}

// CellOutput holds each written current on the simulated cell for one period.
type CellOutput struct {
	channel *cell.Channel
	last    *ScalarCurrentOutput
}

func (c CellOutput) Name() string {
	return SimulatedCellChannelName
}

func (c CellOutput) Write(ctx context.Context, amps float64) error {
	c.channel.Apply(amps)
	return c.last.Write(ctx, amps)
}

func (c CellOutput) Last() float64 {
	return c.last.Last()
}

// NewCellChannels binds both channel ends to one simulated cell.
func NewCellChannels(ch *cell.Channel) (CellInput, CellOutput) {
	return CellInput{channel: ch}, CellOutput{channel: ch, last: NewScalarCurrentOutput()}
}

func init() {
	initializeDefaultChannels()
}

func initializeDefaultChannels() {
	err := RegisterChannelWithSpec(ChannelSpec{
		Name: ScalarChannelName,
		Factory: func(opts ChannelOptions) (VoltageInput, CurrentOutput, error) {
			return NewScalarVoltageInput(opts.RestingVolts), NewScalarCurrentOutput(), nil
		},
	})
	if err != nil {
		panic(err)
	}
	err = RegisterChannelWithSpec(ChannelSpec{
		Name: SimulatedCellChannelName,
		Factory: func(opts ChannelOptions) (VoltageInput, CurrentOutput, error) {
			params := cell.DefaultParams()
			if opts.CmPF > 0 {
				params.CmPF = opts.CmPF
			}
			params.LJPMV = opts.LJPMV
			c, err := cell.New(params)
			if err != nil {
				return nil, nil, err
			}
			in, out := NewCellChannels(cell.NewChannel(c, opts.Period))
			return in, out, nil
		},
		Compatible: func(period time.Duration) error {
			if period > maxSimulatedPeriod {
				return fmt.Errorf("period %v exceeds %v", period, maxSimulatedPeriod)
			}
			return nil
		},
	})
	if err != nil {
		panic(err)
	}
}
