package recorder

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"rrcstim/internal/blob"
	"rrcstim/internal/model"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("s%d", n)
	}
}

func runUntilDone(t *testing.T, r *Recorder, feed func()) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	feed()
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop")
		return nil
	}
}

func snap(tick int64) model.Snapshot {
	return model.Snapshot{
		Protocol:  model.ProtocolPace,
		Tick:      tick,
		Time:      float64(tick),
		Voltage:   -80,
		Beat:      1,
		Current:   4e-9,
		Recording: true,
	}
}

func TestRecorderWritesSessionCSV(t *testing.T) {
	store := blob.NewMemory()
	r := New(store, WithIDFunc(sequentialIDs()))

	err := runUntilDone(t, r, func() {
		r.StartRecording()
		for i := int64(0); i < 3; i++ {
			r.Record(snap(i))
		}
		r.StopRecording()
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	sessions := r.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %+v", sessions)
	}
	s := sessions[0]
	if s.Key != "recordings/s1.csv" || s.Rows != 3 || s.Protocol != "pace" {
		t.Fatalf("unexpected session: %+v", s)
	}

	info, rc, err := store.Get(context.Background(), s.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	if info.ContentType != ContentType || info.Metadata["protocol"] != "pace" || info.Metadata["rows"] != "3" {
		t.Fatalf("unexpected info: %+v", info)
	}
	rows, err := csv.NewReader(rc).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header and 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "time_ms" || rows[0][4] != "apd_ms" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[3][0] != "2" || rows[3][1] != "-80" || rows[3][2] != "4e-09" {
		t.Fatalf("unexpected row: %v", rows[3])
	}
}

func TestRecorderIgnoresSamplesOutsideSession(t *testing.T) {
	store := blob.NewMemory()
	r := New(store, WithIDFunc(sequentialIDs()))

	err := runUntilDone(t, r, func() {
		r.Record(snap(0))
		r.StartRecording()
		r.Record(snap(1))
		r.StopRecording()
		r.Record(snap(2))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	sessions := r.Sessions()
	if len(sessions) != 1 || sessions[0].Rows != 1 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestRecorderFinalizesOpenSessionOnCancel(t *testing.T) {
	store := blob.NewMemory()
	r := New(store, WithIDFunc(sequentialIDs()), WithPrefix("runs/"))

	err := runUntilDone(t, r, func() {
		r.StartRecording()
		r.Record(snap(0))
		r.StartRecording()
		r.Record(snap(1))
		r.Record(snap(2))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	sessions := r.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("expected two sessions, got %+v", sessions)
	}
	if sessions[0].Key != "runs/s1.csv" || sessions[0].Rows != 1 {
		t.Fatalf("unexpected first session: %+v", sessions[0])
	}
	if sessions[1].Key != "runs/s2.csv" || sessions[1].Rows != 2 {
		t.Fatalf("unexpected second session: %+v", sessions[1])
	}
	infos, err := store.List(context.Background(), "runs/")
	if err != nil || len(infos) != 2 {
		t.Fatalf("list: %v %+v", err, infos)
	}
}

func TestRecorderCountsDroppedEvents(t *testing.T) {
	r := New(blob.NewMemory(), WithBuffer(2))
	r.StartRecording()
	r.Record(snap(0))
	r.Record(snap(1))
	r.StopRecording()
	if got := r.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}
}

func TestBlockingRecorderKeepsEverySample(t *testing.T) {
	const samples = 3 * DefaultBuffer
	store := blob.NewMemory()
	r := New(store, WithIDFunc(sequentialIDs()), WithBuffer(1), WithBlocking())

	err := runUntilDone(t, r, func() {
		r.StartRecording()
		for i := int64(0); i < samples; i++ {
			r.Record(snap(i))
		}
		r.StopRecording()
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := r.Dropped(); got != 0 {
		t.Fatalf("blocking recorder dropped %d events", got)
	}
	sessions := r.Sessions()
	if len(sessions) != 1 || sessions[0].Rows != samples {
		t.Fatalf("expected one session with %d rows, got %+v", samples, sessions)
	}
}

func TestBlockingRecorderDropsAfterRunReturns(t *testing.T) {
	r := New(blob.NewMemory(), WithBuffer(1), WithBlocking())
	if err := runUntilDone(t, r, func() {}); err != nil {
		t.Fatalf("run: %v", err)
	}
	r.StartRecording()
	r.Record(snap(0))
	r.StopRecording()
	if got := r.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped events, got %d", got)
	}
}

func TestRecorderReportsStoreErrors(t *testing.T) {
	store := blob.NewMemory()
	if _, err := store.Put(context.Background(), "recordings/dup.csv", nopReader{}, blob.PutOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := New(store, WithIDFunc(func() string { return "dup" }))

	err := runUntilDone(t, r, func() {
		r.StartRecording()
		r.Record(snap(0))
		r.StopRecording()
	})
	if !errors.Is(err, blob.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if len(r.Sessions()) != 0 {
		t.Fatalf("expected no saved sessions, got %+v", r.Sessions())
	}
}

type nopReader struct{}

func (nopReader) Read([]byte) (int, error) { return 0, io.EOF }
