package engine

import (
	"sync"
	"testing"
	"time"

	"rrcstim/internal/model"
)

const (
	restMV    = -80.0
	plateauMV = 20.0
)

func mvToSample(mv float64) float64 {
	return mv * 1e-3
}

type countingRecorder struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (r *countingRecorder) StartRecording() {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
}

func (r *countingRecorder) StopRecording() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *countingRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

// squareCell answers a stimulus at least thresholdNA strong with a square AP.
// The AP lasts baseMS, or longAPDMS once the injected current after the
// stimulus reaches kneeNA; failAboveNA (when > 0) keeps it depolarized.
type squareCell struct {
	periodMS    float64
	stimNA      float64
	thresholdNA float64
	baseMS      float64
	kneeNA      float64
	longAPDMS   float64
	failAboveNA float64

	active   bool
	sinceAP  int
	maxInjNA float64
	bumpLeft int
}

func (c *squareCell) sample() float64 {
	switch {
	case c.active:
		return mvToSample(plateauMV)
	case c.bumpLeft > 0:
		return mvToSample(restMV + 3)
	default:
		return mvToSample(restMV)
	}
}

func (c *squareCell) advance(currentA float64) {
	currentNA := currentA * 1e9
	if c.active {
		c.sinceAP++
		if c.sinceAP > 1 && currentNA > c.maxInjNA {
			c.maxInjNA = currentNA
		}
		duration := c.baseMS
		if c.kneeNA > 0 && c.maxInjNA >= c.kneeNA-1e-9 {
			duration = c.longAPDMS
		}
		if c.failAboveNA > 0 && c.maxInjNA >= c.failAboveNA-1e-9 {
			return
		}
		if float64(c.sinceAP)*c.periodMS >= duration {
			c.active = false
		}
		return
	}
	if c.bumpLeft > 0 {
		c.bumpLeft--
	}
	if currentNA <= 0 {
		return
	}
	if currentNA >= c.thresholdNA-1e-9 {
		c.active = true
		c.sinceAP = 0
		c.maxInjNA = 0
		return
	}
	c.bumpLeft = 3
}

func newTestEngine(t *testing.T, period time.Duration, cfg model.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(period, cfg, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

// drive runs the closed loop until the engine goes idle or maxSteps elapse.
func drive(e *Engine, cell *squareCell, maxSteps int, observe func(step int, current float64)) int {
	for i := 0; i < maxSteps; i++ {
		current := e.Step(cell.sample())
		if observe != nil {
			observe(i, current)
		}
		cell.advance(current)
		if e.Protocol() == model.ProtocolIdle {
			return i
		}
	}
	return -1
}
