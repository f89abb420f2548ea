package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
	l.With(Int("n", 1)).Error("still nothing", Err(errors.New("x")))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "engine"))
	l.Warn("job.failed", String("job", "a"), Duration("dur", 1500*time.Millisecond), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["message"] != "job.failed" || m["comp"] != "engine" || m["job"] != "a" || m["level"] != "warn" {
		t.Fatalf("unexpected line: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	got := formatAlert([]byte(`{"level":"error","time":"x","message":"store save failed","job":"a","err":"disk full"}`))
	want := "[ERROR] store save failed\n- err=disk full\n- job=a"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("non-json = %q", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func TestAlertSinkForwardsAboveMinLevel(t *testing.T) {
	t.Parallel()
	rec := &recordingSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}, File: FileConfig{Enabled: true, Path: t.TempDir() + "/a.log"}}, rec)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("job engine stop timed out", Int("in_flight", 2))

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.msgs) != 1 || !strings.HasPrefix(rec.msgs[0], "[ERROR] job engine stop timed out") {
		t.Fatalf("alerts = %q", rec.msgs)
	}
}
