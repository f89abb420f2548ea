package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"agentcron/internal/eventbus"
	"agentcron/internal/task/engine"
	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

type recordSink struct {
	mu    sync.Mutex
	fails int
	sent  []Message
	calls int
	block chan struct{}
}

func (r *recordSink) Send(ctx context.Context, m Message) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fails > 0 {
		r.fails--
		return errors.New("sink down")
	}
	r.sent = append(r.sent, m)
	return nil
}

func (r *recordSink) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

func (r *recordSink) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func newService(t *testing.T, cfg Config, sink Sink, bus eventbus.Bus) *Service {
	t.Helper()
	s, err := New(cfg, sink, logx.Nop(), bus)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestService_Disabled(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Enabled: false}, &recordSink{}, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	if err := s.SendAlert(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
}

func TestService_DeliverMapsDelivery(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	s := newService(t, Config{Enabled: true, RatePerSec: 100}, sink, nil)

	fired := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := s.Deliver(context.Background(), engine.Delivery{
		FireID: "f", JobID: "j", JobName: "digest", Channel: "ops", To: "#general",
		Message: "summarize", Status: job.StatusSuccess, Detail: "3 items", FiredAt: fired,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sink.messages()) == 1 })
	m := sink.messages()[0]
	if m.Kind != KindDelivery || m.Text != "3 items" || m.Channel != "ops" || m.To != "#general" || !m.At.Equal(fired) {
		t.Fatalf("message=%+v", m)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].JobID != "j" {
		t.Fatalf("history=%+v", h)
	}
}

func TestService_DeliverEmptyDetailUsesStatus(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	s := newService(t, Config{Enabled: true, RatePerSec: 100}, sink, nil)
	_ = s.Deliver(context.Background(), engine.Delivery{JobID: "j", JobName: "digest", Status: job.StatusFailure})
	waitFor(t, func() bool { return len(sink.messages()) == 1 })
	if got := sink.messages()[0].Text; got != "digest: failure" {
		t.Fatalf("text=%q", got)
	}
}

func TestService_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	sink := &recordSink{fails: 2}
	s := newService(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, sink, nil)
	if err := s.SendAlert(context.Background(), "disk full"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sink.messages()) == 1 })
	if n := sink.callCount(); n != 3 {
		t.Fatalf("calls=%d", n)
	}
}

func TestService_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "notifier.failed")
	defer unsub()

	sink := &recordSink{fails: 10}
	s := newService(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 1, RetryBase: time.Millisecond}, sink, bus)
	_ = s.SendAlert(context.Background(), "boom")

	select {
	case ev := <-ch:
		ne, ok := ev.Data.(NotificationEvent)
		if !ok || ne.Error == "" || ne.Kind != KindAlert {
			t.Fatalf("event=%+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no failed event")
	}
	if n := sink.callCount(); n != 2 {
		t.Fatalf("calls=%d", n)
	}
}

func TestService_Dedup(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	s := newService(t, Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, sink, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.SendAlert(ctx, "same"); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.SendAlert(ctx, "other")
	waitFor(t, func() bool { return len(sink.messages()) == 2 })
	time.Sleep(30 * time.Millisecond)
	if n := len(sink.messages()); n != 2 {
		t.Fatalf("sent=%d", n)
	}
}

func TestService_QueueFull(t *testing.T) {
	t.Parallel()
	sink := &recordSink{block: make(chan struct{})}
	s := newService(t, Config{Enabled: true, Workers: 1, QueueSize: 1, RatePerSec: 100}, sink, nil)
	defer close(sink.block)

	ctx := context.Background()
	var full bool
	for i := 0; i < 5; i++ {
		err := s.Notify(ctx, Message{Kind: KindAlert, Text: string(rune('a' + i))})
		if errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected ErrQueueFull")
	}
}

func TestService_StopRejects(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Enabled: true}, &recordSink{}, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.SendAlert(context.Background(), "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
}

func TestWebhookSink(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got Message
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	sink, err := NewSink(Config{Driver: "webhook", URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(context.Background(), Message{Kind: KindDelivery, JobID: "j", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if got.JobID != "j" || got.Text != "hi" {
		t.Fatalf("got=%+v", got)
	}
	status = http.StatusBadGateway
	mu.Unlock()
	if err := sink.Send(context.Background(), Message{Text: "x"}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestNewSink_Unknown(t *testing.T) {
	t.Parallel()
	if _, err := NewSink(Config{Driver: "telegram"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewSink(Config{Driver: "webhook"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for missing url")
	}
}

func TestRetryDelay_Bounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s", attempt, d)
		}
	}
}
