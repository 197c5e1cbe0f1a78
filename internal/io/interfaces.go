package io

import "context"

// VoltageInput is the recorded membrane potential channel. Read returns volts.
type VoltageInput interface {
	Name() string
	Read(ctx context.Context) (float64, error)
}

// VoltageSetter is an optional input capability used by hosts that feed
// samples from outside the loop.
type VoltageSetter interface {
	Set(volts float64)
}

// CurrentOutput is the injected current command channel. Write takes amps.
type CurrentOutput interface {
	Name() string
	Write(ctx context.Context, amps float64) error
}

// SnapshotOutput is an optional output capability used to inspect the most
// recent command.
type SnapshotOutput interface {
	Last() float64
}
