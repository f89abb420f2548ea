package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"agentcron/internal/eventbus"
	rtsup "agentcron/internal/runtime/supervisor"
	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service owns the live job store. All store mutations happen under mu and
// are persisted through the Persister; saveMu serializes saves so a snapshot
// on disk always reflects one consistent in-memory state.
//
// Lock order: saveMu before mu.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	exec    Executor
	persist Persister
	deliver Deliverer
	now     func() time.Time

	store    *job.Store
	dirty    bool
	inflight map[string]struct{}

	saveMu sync.Mutex

	permits chan struct{}
	sup     *rtsup.Supervisor
	firing  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem

	fired   uint64
	failed  uint64
	skipped uint64

	lastSaveWarnAt int64
	warnMu         sync.Mutex
	lastJobWarn    map[string]time.Time
}

type Option func(*Service)

// WithDeliverer sets the sink for deliver=true payloads.
func WithDeliverer(d Deliverer) Option { return func(s *Service) { s.deliver = d } }

// WithClock overrides the wall clock used for manual runs and job timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, exec Executor, persist Persister, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		exec:        exec,
		persist:     persist,
		now:         time.Now,
		store:       job.NewStore(),
		inflight:    map[string]struct{}{},
		lastJobWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start loads the store and readies the engine for ticks. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	st, err := s.persist.Load(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		st = job.NewStore()
	}
	dropped := st.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.store = st
	if len(dropped) > 0 {
		s.dirty = true
		s.log.Warn("dropped duplicate job ids from store", logx.Any("ids", dropped))
	}
	s.permits = make(chan struct{}, s.cfg.Workers)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine.sup"))),
		// A single failed fire must never tear down the engine.
		rtsup.WithCancelOnError(false),
	)
	s.log.Info("job engine started", logx.Int("jobs", len(st.Jobs)), logx.Int("workers", s.cfg.Workers), logx.Duration("exec_timeout", s.cfg.ExecTimeout))
	return nil
}

// Stop lets in-flight executions finish until ctx is done, cancels the rest
// and writes any unsaved state.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	if err := s.Wait(ctx); err != nil {
		s.log.Warn("job engine stop timed out; canceling in-flight executions", logx.Int("in_flight", s.inFlightCount()))
	}
	sup.Cancel()
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.saveTimeout())
	defer cancel()
	_ = sup.Wait(waitCtx)

	err := s.flush(waitCtx)
	if err != nil {
		s.log.Error("final store save failed", logx.Err(err))
	} else {
		s.log.Info("job engine stopped")
	}
	return err
}

// Wait blocks until every in-flight execution has completed.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.firing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply updates execution settings. Running executions keep the permit
// pool they started with.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if s.sup != nil && prev.Workers != cfg.Workers {
		s.permits = make(chan struct{}, cfg.Workers)
	}
	s.mu.Unlock()
	if prev != cfg {
		s.log.Info("job engine config applied", logx.Int("workers", cfg.Workers), logx.Duration("exec_timeout", cfg.ExecTimeout), logx.Int("history", cfg.HistorySize))
	}
}

// Supervisor returns the supervisor running executions (nil if stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) saveTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SaveTimeout
}

// flush persists the store if it has unsaved changes. On failure the store
// stays dirty and the next flush retries.
func (s *Service) flush(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snap := s.store.Clone()
	s.dirty = false
	s.mu.Unlock()

	if err := s.persist.Save(ctx, snap); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		if s.shouldWarn(&s.lastSaveWarnAt, time.Now()) {
			s.log.Warn("store save failed", logx.Err(err), logx.Int("jobs", len(snap.Jobs)))
		}
		return err
	}
	s.log.Debug("store saved", logx.Int("jobs", len(snap.Jobs)))
	return nil
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

// shouldWarnJob throttles repeated warnings about the same job.
func (s *Service) shouldWarnJob(id string, now time.Time) bool {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	last := s.lastJobWarn[id]
	if !last.IsZero() && now.Sub(last) < warnThrottleEvery {
		return false
	}
	s.lastJobWarn[id] = now
	return true
}

func (s *Service) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Service) publish(typ string, at time.Time, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Started:     s.sup != nil,
		Workers:     s.cfg.Workers,
		ExecTimeout: s.cfg.ExecTimeout,
		Jobs:        len(s.store.Jobs),
		Dirty:       s.dirty,
	}
	for _, j := range s.store.Jobs {
		if j.Enabled {
			snap.EnabledJobs++
		}
	}
	for id := range s.inflight {
		snap.InFlight = append(snap.InFlight, id)
	}
	s.mu.Unlock()
	sort.Strings(snap.InFlight)

	snap.Fired = atomic.LoadUint64(&s.fired)
	snap.Failed = atomic.LoadUint64(&s.failed)
	snap.Skipped = atomic.LoadUint64(&s.skipped)

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}
