// Package rrcstim is the public entry point: it runs stimulation protocols on
// a channel, records sessions to blob storage and manages saved settings.
package rrcstim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rrcstim/internal/blob"
	"rrcstim/internal/engine"
	rrcio "rrcstim/internal/io"
	"rrcstim/internal/model"
	"rrcstim/internal/recorder"
	"rrcstim/internal/rt"
	"rrcstim/internal/settings"
	"rrcstim/internal/telemetry"
)

const (
	defaultPeriod      = time.Millisecond
	defaultChannel     = rrcio.SimulatedCellChannelName
	defaultMaxDuration = time.Minute
	defaultDBPath      = "rrcstim.db"
)

var ErrIdleProtocol = errors.New("a protocol other than idle is required")

type Options struct {
	StoreKind string
	// DSN is the sqlite path or the postgres connection string.
	DSN        string
	BlobDriver string
	BlobRoot   string
	Logger     *slog.Logger
	// Metrics receives the engine collector for the duration of each run.
	Metrics prometheus.Registerer
}

type Client struct {
	store   settings.Store
	blobs   blob.Store
	logger  *slog.Logger
	metrics prometheus.Registerer

	mu          sync.Mutex
	initialized bool
}

type RunRequest struct {
	Protocol string
	// Settings names a saved profile applied before Overrides.
	Settings  string
	Overrides map[string]float64
	Channel   string
	Period    time.Duration
	Seed      int64
	Realtime  bool
	// Duration bounds the run in protocol time. Protocols that finish on
	// their own may end earlier.
	Duration time.Duration
	// Record forces recording for the requested protocol.
	Record bool
	// Updates carries settings changes applied to the live engine between
	// two steps. Each map is applied atomically or rejected as a whole.
	Updates <-chan map[string]float64
}

type RunSummary struct {
	Protocol      string             `json:"protocol"`
	Channel       string             `json:"channel"`
	Steps         int64              `json:"steps"`
	Overruns      int64              `json:"overruns"`
	Completed     bool               `json:"completed"`
	Final         model.Snapshot     `json:"final"`
	StimAmplitude float64            `json:"stim_amplitude"`
	RRCAmplitude  float64            `json:"rrc_amplitude"`
	Recordings    []recorder.Session `json:"recordings,omitempty"`
	Dropped       int64              `json:"dropped_events,omitempty"`
	Updates       int                `json:"updates,omitempty"`
	Rejected      int                `json:"rejected_updates,omitempty"`
	// Config is the engine configuration at the end of the run.
	Config model.Config `json:"config"`
}

func New(opts Options) (*Client, error) {
	dsn := opts.DSN
	if dsn == "" && opts.StoreKind == "sqlite" {
		dsn = defaultDBPath
	}
	store, err := settings.NewStore(opts.StoreKind, dsn)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.OpenDriver(context.Background(), opts.BlobDriver, opts.BlobRoot)
	if err != nil {
		_ = settings.CloseIfSupported(store)
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		store:   store,
		blobs:   blobs,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

func (c *Client) Close() error {
	return settings.CloseIfSupported(c.store)
}

func (c *Client) ensureInit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	protocol, err := model.ParseProtocol(req.Protocol)
	if err != nil {
		return RunSummary{}, err
	}
	if protocol == model.ProtocolIdle {
		return RunSummary{}, ErrIdleProtocol
	}
	if req.Channel == "" {
		req.Channel = defaultChannel
	}
	if req.Period <= 0 {
		req.Period = defaultPeriod
	}
	if req.Duration <= 0 {
		req.Duration = defaultMaxDuration
	}

	cfg, err := c.resolveConfig(ctx, req)
	if err != nil {
		return RunSummary{}, err
	}

	in, out, err := rrcio.ResolveChannel(req.Channel, rrcio.ChannelOptions{
		Period:       req.Period,
		CmPF:         cfg.Cm,
		LJPMV:        cfg.LJP,
		RestingVolts: restingVolts(cfg),
	})
	if err != nil {
		return RunSummary{}, err
	}

	recOpts := []recorder.Option{recorder.WithLogger(c.logger)}
	if !req.Realtime {
		// Without a wall clock the loop can wait for the recorder.
		recOpts = append(recOpts, recorder.WithBlocking())
	}
	rec := recorder.New(c.blobs, recOpts...)
	e, err := engine.New(req.Period, cfg,
		engine.WithSeed(req.Seed),
		engine.WithRecorder(rec),
		engine.WithLogger(c.logger),
	)
	if err != nil {
		return RunSummary{}, err
	}
	if c.metrics != nil {
		collector := telemetry.NewCollector(e, prometheus.Labels{"channel": in.Name()})
		if err := c.metrics.Register(collector); err != nil {
			return RunSummary{}, fmt.Errorf("register metrics: %w", err)
		}
		defer c.metrics.Unregister(collector)
	}

	// One idle step latches the resting potential before the protocol starts.
	v, err := in.Read(ctx)
	if err != nil {
		return RunSummary{}, fmt.Errorf("read %s: %w", in.Name(), err)
	}
	e.Step(v)
	if err := e.Start(protocol); err != nil {
		return RunSummary{}, err
	}

	thread, err := rt.NewThread(e, in, out, rt.Config{
		Period:       req.Period,
		Realtime:     req.Realtime,
		StopWhenIdle: true,
		MaxSteps:     int64(req.Duration / req.Period),
	}, rt.WithSink(rec), rt.WithLogger(c.logger))
	if err != nil {
		return RunSummary{}, err
	}

	recCtx, stopRecorder := context.WithCancel(ctx)
	recDone := make(chan error, 1)
	go func() { recDone <- rec.Run(recCtx) }()

	updCtx, stopUpdates := context.WithCancel(ctx)
	updDone := make(chan updateCounts, 1)
	go func() { updDone <- c.applyUpdates(updCtx, thread, e, req.Updates) }()

	stats, runErr := thread.Run(ctx)
	stopUpdates()
	updates := <-updDone
	completed := e.Protocol() == model.ProtocolIdle
	e.Stop()
	stopRecorder()
	recErr := <-recDone
	if runErr != nil {
		return RunSummary{}, runErr
	}
	if recErr != nil {
		return RunSummary{}, recErr
	}

	final := e.Config()
	return RunSummary{
		Protocol:      protocol.String(),
		Channel:       in.Name(),
		Steps:         stats.Steps,
		Overruns:      stats.Overruns,
		Completed:     completed,
		Final:         stats.Last,
		StimAmplitude: final.StimAmplitude,
		RRCAmplitude:  final.RRCAmplitude,
		Recordings:    rec.Sessions(),
		Dropped:       rec.Dropped(),
		Updates:       updates.applied,
		Rejected:      updates.rejected,
		Config:        final,
	}, nil
}

type updateCounts struct {
	applied  int
	rejected int
}

// applyUpdates installs settings changes until ctx is done or updates is
// closed. The loop is paused while a change is applied so no step observes a
// partly updated configuration.
func (c *Client) applyUpdates(ctx context.Context, thread *rt.Thread, e *engine.Engine, updates <-chan map[string]float64) updateCounts {
	var counts updateCounts
	for {
		select {
		case <-ctx.Done():
			return counts
		case values, ok := <-updates:
			if !ok {
				return counts
			}
			var err error
			thread.SetActive(false)
			thread.Sync(func() {
				err = e.UpdateConfig(func(cfg *model.Config) error {
					next, err := settings.ApplySettings(*cfg, values)
					if err != nil {
						return err
					}
					*cfg = next
					return nil
				})
			})
			thread.SetActive(true)
			if err != nil {
				counts.rejected++
				c.logger.Warn("settings update rejected", "values", values, "error", err)
				continue
			}
			counts.applied++
			c.logger.Info("settings updated", "values", values, "step", thread.Steps())
		}
	}
}

func (c *Client) resolveConfig(ctx context.Context, req RunRequest) (model.Config, error) {
	cfg := model.DefaultConfig()
	if req.Settings != "" {
		loaded, err := c.LoadSettings(ctx, req.Settings)
		if err != nil {
			return model.Config{}, err
		}
		cfg = loaded
	}
	cfg, err := settings.ApplySettings(cfg, req.Overrides)
	if err != nil {
		return model.Config{}, err
	}
	if req.Record {
		protocol, _ := model.ParseProtocol(req.Protocol)
		switch protocol {
		case model.ProtocolPace:
			cfg.Record.Pace = true
		case model.ProtocolStimThreshold:
			cfg.Record.StimThreshold = true
		case model.ProtocolRRCThreshold:
			cfg.Record.RRCThreshold = true
		case model.ProtocolRRCProtocol:
			cfg.Record.RRCProtocol = true
		}
	}
	return cfg, nil
}

// restingVolts is the sample a quiescent scalar channel reports, in volts.
func restingVolts(cfg model.Config) float64 {
	return (-85 + cfg.LJP) / 1e3
}

func (c *Client) SaveSettings(ctx context.Context, name string, cfg model.Config) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("settings name is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.ensureInit(ctx); err != nil {
		return err
	}
	return c.store.Save(ctx, settings.NewRecord(name, cfg))
}

// LoadSettings returns the saved profile applied over the defaults.
func (c *Client) LoadSettings(ctx context.Context, name string) (model.Config, error) {
	if err := c.ensureInit(ctx); err != nil {
		return model.Config{}, err
	}
	record, ok, err := c.store.Load(ctx, name)
	if err != nil {
		return model.Config{}, err
	}
	if !ok {
		return model.Config{}, fmt.Errorf("%w: %s", settings.ErrNotFound, name)
	}
	return settings.ApplySettings(model.DefaultConfig(), record.Values)
}

func (c *Client) ListSettings(ctx context.Context) ([]string, error) {
	if err := c.ensureInit(ctx); err != nil {
		return nil, err
	}
	return c.store.List(ctx)
}

func (c *Client) DeleteSettings(ctx context.Context, name string) error {
	if err := c.ensureInit(ctx); err != nil {
		return err
	}
	return c.store.Delete(ctx, name)
}

// Recordings lists stored recording sessions.
func (c *Client) Recordings(ctx context.Context) ([]blob.Info, error) {
	return c.blobs.List(ctx, recorder.DefaultPrefix)
}

// recordingKey accepts a full blob key or a bare session id.
func recordingKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("recording key is required")
	}
	if !strings.Contains(key, "/") {
		key = recorder.DefaultPrefix + strings.TrimSuffix(key, ".csv") + ".csv"
	}
	return key, nil
}

// Recording opens a stored recording. The caller closes the reader.
func (c *Client) Recording(ctx context.Context, key string) (blob.Info, io.ReadCloser, error) {
	key, err := recordingKey(key)
	if err != nil {
		return blob.Info{}, nil, err
	}
	return c.blobs.Get(ctx, key)
}

// DeleteRecording removes a stored recording and reports whether it existed.
func (c *Client) DeleteRecording(ctx context.Context, key string) (bool, error) {
	key, err := recordingKey(key)
	if err != nil {
		return false, err
	}
	return c.blobs.Delete(ctx, key)
}

// RecordingURL returns a download URL for an existing recording.
func (c *Client) RecordingURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	key, err := recordingKey(key)
	if err != nil {
		return "", err
	}
	if _, err := c.blobs.Head(ctx, key); err != nil {
		return "", err
	}
	return c.blobs.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET", Expiry: expiry})
}
