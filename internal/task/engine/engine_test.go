package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentcron/internal/eventbus"
	"agentcron/internal/task/job"
	"agentcron/internal/task/schedule"
	logx "agentcron/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memPersister struct {
	mu      sync.Mutex
	store   *job.Store
	saveErr error
	saves   int
}

func (m *memPersister) Load(context.Context) (*job.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return job.NewStore(), nil
	}
	return m.store.Clone(), nil
}

func (m *memPersister) Save(_ context.Context, st *job.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.store = st.Clone()
	m.saves++
	return nil
}

func (m *memPersister) setErr(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

func (m *memPersister) saved() *job.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Clone()
}

type countingExec struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req Request) Outcome
}

func (c *countingExec) Execute(ctx context.Context, req Request) Outcome {
	c.calls.Add(1)
	if c.fn != nil {
		return c.fn(ctx, req)
	}
	return Success("ok")
}

type memDeliverer struct {
	mu  sync.Mutex
	got []Delivery
}

func (d *memDeliverer) Deliver(_ context.Context, del Delivery) error {
	d.mu.Lock()
	d.got = append(d.got, del)
	d.mu.Unlock()
	return nil
}

func newEngine(t *testing.T, cfg Config, exec Executor, jobs ...job.Job) (*Service, *memPersister, eventbus.Bus) {
	t.Helper()
	st := job.NewStore()
	for _, j := range jobs {
		if err := st.Add(j); err != nil {
			t.Fatalf("seed %s: %v", j.ID, err)
		}
	}
	p := &memPersister{store: st}
	bus := eventbus.New()
	e := New(cfg, exec, p, logx.Nop(), bus, WithClock(func() time.Time { return t0 }))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e, p, bus
}

func tick(t *testing.T, e *Service, at time.Time) TickReport {
	t.Helper()
	rep, err := e.Tick(context.Background(), at)
	if err != nil {
		t.Fatalf("Tick(%v): %v", at, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return rep
}

func everyJob(id string, interval time.Duration) job.Job {
	j := job.New(id, id)
	anchor := t0
	j.Schedule = schedule.Every(interval, &anchor)
	j.CreatedAt = t0
	return j
}

func TestCatchUpFiresOnceAndResumesCadence(t *testing.T) {
	t.Parallel()
	j := everyJob("minutely", time.Minute)
	last := t0
	j.State = job.State{LastRunAt: &last, LastStatus: job.StatusSuccess, RunCount: 1}

	exec := &countingExec{}
	e, p, _ := newEngine(t, Config{}, exec, j)

	rep := tick(t, e, t0.Add(600*time.Second))
	if len(rep.Fired) != 1 || exec.calls.Load() != 1 {
		t.Fatalf("fired %v with %d calls, want exactly one", rep.Fired, exec.calls.Load())
	}
	got, _ := e.Job("minutely")
	if !got.State.LastRunAt.Equal(t0.Add(600*time.Second)) || got.State.RunCount != 2 {
		t.Fatalf("state = %+v", got.State)
	}
	if got.State.NextRunAt == nil || !got.State.NextRunAt.Equal(t0.Add(660*time.Second)) {
		t.Fatalf("nextRunAt = %v", got.State.NextRunAt)
	}
	if saved, _ := p.saved().Get("minutely"); saved.State.RunCount != 2 {
		t.Fatalf("persisted state = %+v", saved.State)
	}

	tick(t, e, t0.Add(600*time.Second))
	tick(t, e, t0.Add(659*time.Second))
	if exec.calls.Load() != 1 {
		t.Fatalf("re-fired before next slot: %d calls", exec.calls.Load())
	}
	tick(t, e, t0.Add(660*time.Second))
	if exec.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 at next slot", exec.calls.Load())
	}
}

func TestOneShotSuccessIsRemoved(t *testing.T) {
	t.Parallel()
	j := job.New("once", "reminder")
	j.Schedule = schedule.At(t0)
	j.DeleteAfterRun = true
	j.CreatedAt = t0.Add(-time.Hour)
	j.Payload = job.AgentTurn("stand up", true)

	exec := &countingExec{}
	del := &memDeliverer{}
	st := job.NewStore()
	_ = st.Add(j)
	p := &memPersister{store: st}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "job.removed")
	defer unsub()
	e := New(Config{}, exec, p, logx.Nop(), bus, WithDeliverer(del))
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	tick(t, e, t0.Add(-time.Second))
	if exec.calls.Load() != 0 {
		t.Fatal("fired before its instant")
	}
	tick(t, e, t0.Add(time.Second))
	if exec.calls.Load() != 1 {
		t.Fatalf("calls = %d", exec.calls.Load())
	}
	if _, ok := e.Job("once"); ok {
		t.Fatal("one-shot job still present after success")
	}
	if p.saved().Index("once") >= 0 {
		t.Fatal("one-shot job still persisted")
	}
	select {
	case ev := <-events:
		if ev.Data.(JobEvent).JobID != "once" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no job.removed event")
	}
	del.mu.Lock()
	defer del.mu.Unlock()
	if len(del.got) != 1 || del.got[0].Message != "stand up" || del.got[0].Status != job.StatusSuccess {
		t.Fatalf("deliveries = %+v", del.got)
	}
}

func TestOneShotFailureIsKeptAndNeverRefires(t *testing.T) {
	t.Parallel()
	j := job.New("once", "reminder")
	j.Schedule = schedule.At(t0)
	j.DeleteAfterRun = true
	j.CreatedAt = t0.Add(-time.Hour)

	exec := &countingExec{fn: func(context.Context, Request) Outcome { return Failure("agent unavailable") }}
	e, _, _ := newEngine(t, Config{}, exec, j)

	tick(t, e, t0)
	got, ok := e.Job("once")
	if !ok {
		t.Fatal("failed one-shot job was removed")
	}
	if got.State.LastStatus != job.StatusFailure || got.State.RunCount != 1 || got.State.LastError != "agent unavailable" {
		t.Fatalf("state = %+v", got.State)
	}
	for _, at := range []time.Time{t0.Add(time.Minute), t0.Add(24 * time.Hour)} {
		tick(t, e, at)
	}
	if exec.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", exec.calls.Load())
	}
}

func TestDisabledJobNeverFires(t *testing.T) {
	t.Parallel()
	j := everyJob("off", time.Second)
	j.Enabled = false
	exec := &countingExec{}
	e, _, _ := newEngine(t, Config{}, exec, j)

	for i := 1; i <= 5; i++ {
		rep := tick(t, e, t0.Add(time.Duration(i)*time.Hour))
		if rep.Disabled != 1 {
			t.Fatalf("report = %+v", rep)
		}
	}
	if exec.calls.Load() != 0 {
		t.Fatalf("disabled job fired %d times", exec.calls.Load())
	}
	if _, err := e.RunNow(context.Background(), "off", false); !errors.Is(err, ErrJobDisabled) {
		t.Fatalf("RunNow disabled = %v", err)
	}
	if out, err := e.RunNow(context.Background(), "off", true); err != nil || out.Status != job.StatusSuccess {
		t.Fatalf("forced RunNow = %+v, %v", out, err)
	}
}

func TestInFlightJobIsSkipped(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	exec := &countingExec{fn: func(ctx context.Context, _ Request) Outcome {
		started <- struct{}{}
		<-release
		return Success("")
	}}
	e, _, _ := newEngine(t, Config{}, exec, everyJob("slow", time.Minute))

	if _, err := e.Tick(context.Background(), t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	<-started
	rep, err := e.Tick(context.Background(), t0.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if rep.InFlight != 1 || len(rep.Fired) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := e.RunNow(context.Background(), "slow", true); !errors.Is(err, ErrInFlight) {
		t.Fatalf("RunNow = %v, want ErrInFlight", err)
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if exec.calls.Load() != 1 {
		t.Fatalf("calls = %d", exec.calls.Load())
	}
	if got, _ := e.Job("slow"); !got.State.LastRunAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("lastRunAt = %v", got.State.LastRunAt)
	}
}

func TestTimeoutIsFailure(t *testing.T) {
	t.Parallel()
	exec := &countingExec{fn: func(ctx context.Context, _ Request) Outcome {
		<-ctx.Done()
		return Success("too late")
	}}
	e, _, _ := newEngine(t, Config{ExecTimeout: 20 * time.Millisecond}, exec, everyJob("hang", time.Minute))

	tick(t, e, t0.Add(time.Minute))
	got, _ := e.Job("hang")
	if got.State.LastStatus != job.StatusFailure || got.State.LastError != "timeout" {
		t.Fatalf("state = %+v", got.State)
	}
	if got.State.RunCount != 1 {
		t.Fatalf("runCount = %d", got.State.RunCount)
	}
}

func TestPanickingExecutorIsFailure(t *testing.T) {
	t.Parallel()
	exec := &countingExec{fn: func(context.Context, Request) Outcome { panic("backend exploded") }}
	e, _, _ := newEngine(t, Config{}, exec, everyJob("p", time.Minute), everyJob("q", time.Minute))

	rep := tick(t, e, t0.Add(time.Minute))
	if len(rep.Fired) != 2 {
		t.Fatalf("fired = %v", rep.Fired)
	}
	for _, id := range []string{"p", "q"} {
		got, _ := e.Job(id)
		if got.State.LastStatus != job.StatusFailure || got.State.LastError != "panic: backend exploded" {
			t.Fatalf("%s state = %+v", id, got.State)
		}
	}
}

func TestFailingJobDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		bad     func() Outcome
		wantErr string
	}{
		{name: "failure", bad: func() Outcome { return Failure("quota exceeded") }, wantErr: "quota exceeded"},
		{name: "panic", bad: func() Outcome { panic("backend exploded") }, wantErr: "panic: backend exploded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := &countingExec{fn: func(_ context.Context, req Request) Outcome {
				if req.JobID == "bad" {
					return tt.bad()
				}
				return Success("done")
			}}
			e, _, _ := newEngine(t, Config{}, exec, everyJob("bad", time.Minute), everyJob("good", time.Minute))

			rep := tick(t, e, t0.Add(time.Minute))
			if len(rep.Fired) != 2 || exec.calls.Load() != 2 {
				t.Fatalf("fired = %v, calls = %d", rep.Fired, exec.calls.Load())
			}
			bad, _ := e.Job("bad")
			if bad.State.LastStatus != job.StatusFailure || bad.State.LastError != tt.wantErr || bad.State.RunCount != 1 {
				t.Fatalf("bad state = %+v", bad.State)
			}
			good, _ := e.Job("good")
			if good.State.LastStatus != job.StatusSuccess || good.State.RunCount != 1 {
				t.Fatalf("good state = %+v", good.State)
			}
		})
	}
}

func TestUnknownPayloadIsSkipped(t *testing.T) {
	t.Parallel()
	var j job.Job
	if err := json.Unmarshal([]byte(`{
		"id": "tool", "name": "tool", "enabled": true,
		"schedule": {"kind": "every", "intervalSeconds": 60, "anchor": "2026-03-01T12:00:00Z"},
		"payload": {"kind": "tool_call", "tool": "lights"},
		"state": {}, "deleteAfterRun": true, "createdAt": "2026-03-01T12:00:00Z"
	}`), &j); err != nil {
		t.Fatal(err)
	}
	exec := &countingExec{}
	e, p, _ := newEngine(t, Config{}, exec, j)

	tick(t, e, t0.Add(time.Minute))
	if exec.calls.Load() != 0 {
		t.Fatal("executor called for unknown payload")
	}
	got, ok := e.Job("tool")
	if !ok || got.State.LastStatus != job.StatusSkipped || got.State.RunCount != 1 {
		t.Fatalf("job = %+v (present=%v)", got.State, ok)
	}
	b, _ := json.Marshal(p.saved())
	if !json.Valid(b) || !strings.Contains(string(b), `"payload":{"kind":"tool_call","tool":"lights"}`) {
		t.Fatalf("unknown payload lost on save: %s", b)
	}
}

func TestUnknownScheduleNeverDue(t *testing.T) {
	t.Parallel()
	var j job.Job
	if err := json.Unmarshal([]byte(`{"id":"sun","name":"sun","enabled":true,"schedule":{"kind":"solar"},"payload":{"kind":"agent_turn","message":"","deliver":false},"state":{},"deleteAfterRun":false}`), &j); err != nil {
		t.Fatal(err)
	}
	exec := &countingExec{}
	e, _, _ := newEngine(t, Config{}, exec, j)
	tick(t, e, t0.Add(365*24*time.Hour))
	if exec.calls.Load() != 0 {
		t.Fatal("unknown schedule fired")
	}
}

func TestPinsMissingReferencesOnFirstTick(t *testing.T) {
	t.Parallel()
	j := job.New("fresh", "fresh")
	j.Schedule = schedule.Every(time.Hour, nil)
	exec := &countingExec{}
	e, p, _ := newEngine(t, Config{}, exec, j)

	first := t0.Add(30 * time.Second)
	tick(t, e, first)
	saved, _ := p.saved().Get("fresh")
	if !saved.CreatedAt.Equal(first) || saved.Schedule.Anchor == nil || !saved.Schedule.Anchor.Equal(first) {
		t.Fatalf("pinned = createdAt %v anchor %v", saved.CreatedAt, saved.Schedule.Anchor)
	}
	if exec.calls.Load() != 0 {
		t.Fatal("fired on pin tick")
	}
	tick(t, e, first.Add(time.Hour))
	if exec.calls.Load() != 1 {
		t.Fatalf("calls = %d after one interval", exec.calls.Load())
	}
}

func TestSaveFailureIsSurfacedAndRetried(t *testing.T) {
	t.Parallel()
	exec := &countingExec{}
	e, p, _ := newEngine(t, Config{}, exec)

	diskFull := errors.New("disk full")
	p.setErr(diskFull)

	j := job.New("a", "a")
	if _, err := e.AddJob(context.Background(), j); !errors.Is(err, diskFull) {
		t.Fatalf("AddJob = %v, want save error", err)
	}
	if _, ok := e.Job("a"); !ok {
		t.Fatal("in-memory state lost after failed save")
	}
	if !e.Snapshot().Dirty {
		t.Fatal("store should stay dirty")
	}

	p.setErr(nil)
	if _, err := e.Tick(context.Background(), t0); err != nil {
		t.Fatalf("Tick = %v", err)
	}
	if p.saved().Index("a") < 0 {
		t.Fatal("dirty store not retried on tick")
	}
}

func TestManagementAPI(t *testing.T) {
	t.Parallel()
	exec := &countingExec{}
	e, p, bus := newEngine(t, Config{}, exec)
	events, unsub := bus.Subscribe(8, "job.removed")
	defer unsub()
	ctx := context.Background()

	added, err := e.AddJob(ctx, job.New("a", "alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if !added.CreatedAt.Equal(t0) || added.Schedule.Anchor == nil || added.State.NextRunAt == nil {
		t.Fatalf("added = %+v", added)
	}
	if _, err := e.AddJob(ctx, job.New("a", "dup")); !errors.Is(err, job.ErrDuplicateID) {
		t.Fatalf("duplicate = %v", err)
	}

	if _, err := e.UpdateJob(ctx, "a", func(j *job.Job) error {
		j.Name = "renamed"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UpdateJob(ctx, "zzz", nil); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("update missing = %v", err)
	}
	disabled, err := e.EnableJob(ctx, "a", false)
	if err != nil || disabled.Enabled || disabled.State.NextRunAt != nil {
		t.Fatalf("disable = %+v, %v", disabled, err)
	}
	if got, _ := p.saved().Get("a"); got.Name != "renamed" || got.Enabled {
		t.Fatalf("persisted = %+v", got)
	}

	if ok, err := e.RemoveJob(ctx, "a"); !ok || err != nil {
		t.Fatalf("remove = %v, %v", ok, err)
	}
	if ok, err := e.RemoveJob(ctx, "a"); ok || err != nil {
		t.Fatalf("second remove = %v, %v", ok, err)
	}
	if len(e.Jobs()) != 0 || len(p.saved().Jobs) != 0 {
		t.Fatal("job still present")
	}
	if ev := <-events; ev.Data.(JobEvent).JobID != "a" {
		t.Fatalf("event = %+v", ev)
	}
	if _, err := e.RunNow(ctx, "a", true); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("RunNow missing = %v", err)
	}
}

func TestAddJobTrimsID(t *testing.T) {
	t.Parallel()
	e, p, _ := newEngine(t, Config{}, &countingExec{})

	added, err := e.AddJob(context.Background(), job.New("  padded ", "padded"))
	if err != nil {
		t.Fatal(err)
	}
	if added.ID != "padded" {
		t.Fatalf("id = %q", added.ID)
	}
	if got, _ := p.saved().Get("padded"); got.ID != "padded" {
		t.Fatalf("persisted id = %q", got.ID)
	}
}

func TestRescheduledAtJobFiresAgain(t *testing.T) {
	t.Parallel()
	j := job.New("once", "reminder")
	j.Schedule = schedule.At(t0)
	j.CreatedAt = t0.Add(-time.Hour)
	exec := &countingExec{}
	e, _, _ := newEngine(t, Config{}, exec, j)
	ctx := context.Background()

	tick(t, e, t0)
	if exec.calls.Load() != 1 {
		t.Fatalf("calls = %d", exec.calls.Load())
	}

	// Editing anything but the instant keeps the job exhausted.
	renamed, err := e.UpdateJob(ctx, "once", func(j *job.Job) error {
		j.Name = "renamed"
		return nil
	})
	if err != nil || renamed.State.RunCount != 1 {
		t.Fatalf("rename = %+v, %v", renamed.State, err)
	}

	moved, err := e.UpdateJob(ctx, "once", func(j *job.Job) error {
		j.Schedule = schedule.At(t0.Add(time.Hour))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if moved.State.RunCount != 0 || moved.State.LastRunAt != nil || moved.State.NextRunAt == nil {
		t.Fatalf("moved state = %+v", moved.State)
	}

	tick(t, e, t0.Add(30*time.Minute))
	tick(t, e, t0.Add(2*time.Hour))
	if exec.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", exec.calls.Load())
	}
	if got, _ := e.Job("once"); got.State.RunCount != 1 || !got.Exhausted() {
		t.Fatalf("state after refire = %+v", got.State)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	exec := &countingExec{}
	e, _, _ := newEngine(t, Config{HistorySize: 3}, exec, everyJob("h", time.Minute))
	for i := 1; i <= 5; i++ {
		tick(t, e, t0.Add(time.Duration(i)*time.Minute))
	}
	snap := e.Snapshot()
	if len(snap.History) != 3 || snap.Fired != 5 {
		t.Fatalf("history = %d fired = %d", len(snap.History), snap.Fired)
	}
	if !snap.History[2].FiredAt.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("last history = %+v", snap.History[2])
	}
}

func TestTickAfterStop(t *testing.T) {
	t.Parallel()
	e := New(Config{}, &countingExec{}, &memPersister{}, logx.Nop(), nil)
	if _, err := e.Tick(context.Background(), t0); !errors.Is(err, ErrStopped) {
		t.Fatalf("Tick before Start = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Tick(context.Background(), t0); !errors.Is(err, ErrStopped) {
		t.Fatalf("Tick after Stop = %v", err)
	}
}
