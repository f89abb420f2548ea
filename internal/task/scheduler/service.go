package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"agentcron/internal/eventbus"
	rtsup "agentcron/internal/runtime/supervisor"
	logx "agentcron/pkg/logx"
)

const tickWarnThrottle = 5 * time.Second

// EventTickFailed is published (throttled) when Engine.Tick returns an error.
const EventTickFailed = "scheduler.tick_failed"

func New(cfg Config, eng Engine, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:          cfg,
		loc:          loadLocation(cfg.Timezone, log),
		log:          log,
		bus:          bus,
		engine:       eng,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		lastTickWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A running loop picks up a new tick interval
// immediately; toggling Enabled starts or stops the loop.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = loadLocation(cfg.Timezone, s.log)
	}
	running := s.sup != nil
	s.mu.Unlock()

	switch {
	case cfg.Enabled && !running:
		s.Start(ctx)
	case !cfg.Enabled && running:
		s.Stop(ctx)
	case running && prev.TickInterval != cfg.TickInterval:
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Start begins ticking. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; jobs will not fire")
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler.sup"))))
	s.sup.GoRestart("scheduler.loop", s.loop, rtsup.WithPublishFirstError(true))
	s.log.Info("service started", logx.Duration("tick", s.cfg.TickInterval), logx.String("tz", s.loc.String()))
}

// Stop halts the loop. A tick already running completes; executions it
// dispatched are owned by the engine.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.TickInterval
}

func (s *Service) loop(ctx context.Context) error {
	s.tickOnce(ctx)

	every := s.interval()
	t := time.NewTimer(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			every = s.interval()
			s.log.Debug("tick interval changed", logx.Duration("tick", every))
			t.Reset(every)
		case <-t.C:
			s.tickOnce(ctx)
			t.Reset(s.interval())
		}
	}
}

func (s *Service) tickOnce(ctx context.Context) {
	now := s.now()
	rep, err := s.engine.Tick(ctx, now)

	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()
	atomic.AddUint64(&s.ticks, 1)

	if err != nil {
		atomic.AddUint64(&s.tickErrors, 1)
		s.reportTickError(err)
	}
	if len(rep.Fired) > 0 {
		s.log.Debug("tick fired jobs", logx.Any("jobs", rep.Fired))
	}
}

// reportTickError logs tick failures at most once per throttle window per
// distinct error.
func (s *Service) reportTickError(err error) {
	if err == nil {
		return
	}
	key := err.Error()
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastTickWarn[key]
	if !last.IsZero() && now.Sub(last) < tickWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastTickWarn[key] = now
	s.warnMu.Unlock()

	s.log.Warn("tick failed", logx.Err(err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventTickFailed, Time: now.UTC(), Data: key})
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid scheduler timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
