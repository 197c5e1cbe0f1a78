// Package recorder turns engine recording notifications and per-step
// snapshots into CSV recordings stored in a blob store.
package recorder

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rrcstim/internal/blob"
	"rrcstim/internal/model"
)

const (
	DefaultBuffer = 4096
	DefaultPrefix = "recordings/"
	ContentType   = "text/csv"
)

// Header is the first row of every recording.
var Header = []string{"time_ms", "voltage_mv", "current_a", "beat", "apd_ms"}

type eventKind int

const (
	eventStart eventKind = iota
	eventStop
	eventSample
)

type event struct {
	kind     eventKind
	snapshot model.Snapshot
}

// Session describes one saved recording.
type Session struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	Protocol string    `json:"protocol"`
	Rows     int       `json:"rows"`
	Started  time.Time `json:"started"`
	Size     int64     `json:"size_bytes"`
}

type Option func(*Recorder)

func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(r *Recorder) {
		r.prefix = prefix
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBlocking makes notifications and samples wait for queue space instead
// of being dropped. Use it when the step loop does not run against a wall
// clock; a sender only gives up, counting a drop, once Run has returned.
func WithBlocking() Option {
	return func(r *Recorder) {
		r.blocking = true
	}
}

// WithIDFunc replaces the session id generator.
func WithIDFunc(fn func() string) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// Recorder implements the engine's recorder hooks. Notifications and samples
// are queued; Run drains the queue and writes each session to the store when
// it stops. Unless WithBlocking is set, events that do not fit the queue are
// dropped and counted.
type Recorder struct {
	store    blob.Store
	prefix   string
	buffer   int
	blocking bool
	logger   *slog.Logger
	newID    func() string

	events  chan event
	done    chan struct{}
	dropped atomic.Int64

	mu       sync.Mutex
	sessions []Session
	errs     []error

	active *activeSession
}

type activeSession struct {
	session Session
	buf     bytes.Buffer
	w       *csv.Writer
}

func New(store blob.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		prefix: DefaultPrefix,
		buffer: DefaultBuffer,
		logger: slog.New(slog.DiscardHandler),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.events = make(chan event, r.buffer)
	r.done = make(chan struct{})
	return r
}

func (r *Recorder) StartRecording() { r.enqueue(event{kind: eventStart}) }

func (r *Recorder) StopRecording() { r.enqueue(event{kind: eventStop}) }

// Record queues one step's snapshot. Samples outside a session are ignored.
func (r *Recorder) Record(snapshot model.Snapshot) {
	r.enqueue(event{kind: eventSample, snapshot: snapshot})
}

func (r *Recorder) enqueue(ev event) {
	if r.blocking {
		select {
		case <-r.done:
			r.dropped.Add(1)
			return
		default:
		}
		select {
		case r.events <- ev:
		case <-r.done:
			r.dropped.Add(1)
		}
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many events did not fit the queue.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run consumes events until ctx is done, then drains what is queued and
// saves any open session. It must be called at most once.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			r.handle(ctx, ev)
		case <-ctx.Done():
			return r.drain(context.WithoutCancel(ctx))
		}
	}
}

func (r *Recorder) drain(ctx context.Context) error {
	for {
		select {
		case ev := <-r.events:
			r.handle(ctx, ev)
		default:
			if r.active != nil {
				r.finish(ctx)
			}
			return r.Err()
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventStart:
		if r.active != nil {
			r.finish(ctx)
		}
		r.begin()
	case eventStop:
		if r.active != nil {
			r.finish(ctx)
		}
	case eventSample:
		if r.active != nil {
			r.write(ev.snapshot)
		}
	}
}

func (r *Recorder) begin() {
	id := r.newID()
	a := &activeSession{session: Session{
		ID:      id,
		Key:     r.prefix + id + ".csv",
		Started: time.Now().UTC(),
	}}
	a.w = csv.NewWriter(&a.buf)
	_ = a.w.Write(Header)
	r.active = a
	r.logger.Debug("recording started", "session", id)
}

func (r *Recorder) write(s model.Snapshot) {
	a := r.active
	if a.session.Protocol == "" {
		a.session.Protocol = s.Protocol.String()
	}
	_ = a.w.Write([]string{
		strconv.FormatFloat(s.Time, 'f', -1, 64),
		strconv.FormatFloat(s.Voltage, 'f', -1, 64),
		strconv.FormatFloat(s.Current, 'g', -1, 64),
		strconv.FormatFloat(s.Beat, 'f', -1, 64),
		strconv.FormatFloat(s.APD, 'f', -1, 64),
	})
	a.session.Rows++
}

func (r *Recorder) finish(ctx context.Context) {
	a := r.active
	r.active = nil
	a.w.Flush()
	if err := a.w.Error(); err != nil {
		r.fail(fmt.Errorf("encode recording %s: %w", a.session.ID, err))
		return
	}
	info, err := r.store.Put(ctx, a.session.Key, bytes.NewReader(a.buf.Bytes()), blob.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"session":  a.session.ID,
			"protocol": a.session.Protocol,
			"rows":     strconv.Itoa(a.session.Rows),
		},
	})
	if err != nil {
		r.fail(fmt.Errorf("store recording %s: %w", a.session.ID, err))
		return
	}
	a.session.Size = info.Size
	r.mu.Lock()
	r.sessions = append(r.sessions, a.session)
	r.mu.Unlock()
	r.logger.Info("recording saved", "session", a.session.ID, "key", a.session.Key, "rows", a.session.Rows)
}

func (r *Recorder) fail(err error) {
	r.logger.Error("recording failed", "error", err)
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

// Sessions returns the saved sessions in completion order.
func (r *Recorder) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Session(nil), r.sessions...)
}

// Err returns the first storage error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}
