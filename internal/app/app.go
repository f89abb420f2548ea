package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentcron/internal/config"
	"agentcron/internal/eventbus"
	"agentcron/internal/notifier"
	"agentcron/internal/observability/admin"
	rtsup "agentcron/internal/runtime/supervisor"
	"agentcron/internal/storage"
	"agentcron/internal/task/engine"
	"agentcron/internal/task/scheduler"
	logx "agentcron/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	admin  *admin.Service
}

// Status is the document served by the admin server at /status.
type Status struct {
	Scheduler     scheduler.Snapshot        `json:"scheduler"`
	Notifications []notifier.HistoryItem    `json:"notifications"`
	Supervisors   map[string]rtsup.Snapshot `json:"supervisors"`
}

// notifyDeliverer forwards deliveries only while the notifier is enabled.
type notifyDeliverer struct {
	n *notifier.Service
}

func (d notifyDeliverer) Deliver(ctx context.Context, del engine.Delivery) error {
	if !d.n.Enabled() {
		return nil
	}
	return d.n.Deliver(ctx, del)
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The alert sink needs the notifier, which needs a logger; wire it after.
	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc, err := notifier.New(ncfg, nil, log.With(logx.String("comp", "notifier")), bus)
	if err != nil {
		return nil, err
	}
	logSvc.SetAlertSender(notifSvc)

	engineSvc, store, err := openEngine(ctx, cfg, log, bus, notifyDeliverer{n: notifSvc})
	if err != nil {
		return nil, err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	appLog.Info("app configured",
		logx.String("config", cfgPath),
		logx.String("storage", cfg.Storage.Driver),
		logx.String("agent", cfg.Agent.Driver),
		logx.Bool("scheduler", schedCfg.Enabled),
	)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engineSvc,
		sched:   schedSvc,
		notif:   notifSvc,
	}
	a.admin = admin.New(adminCfg, a.status, log.With(logx.String("comp", "admin")))
	return a, nil
}

func (a *App) status(context.Context) any {
	st := Status{
		Scheduler:     a.sched.Snapshot(),
		Notifications: a.notif.Snapshot(),
		Supervisors:   map[string]rtsup.Snapshot{},
	}
	if a.sup != nil {
		st.Supervisors["app"] = a.sup.Snapshot()
	}
	if sup := a.engine.Supervisor(); sup != nil {
		st.Supervisors["engine"] = sup.Snapshot()
	}
	if sup := a.notif.Supervisor(); sup != nil {
		st.Supervisors["notifier"] = sup.Snapshot()
	}
	return st
}

func (a *App) Engine() *engine.Service { return a.engine }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional reload: reject configs whose sections cannot be mapped.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAgentConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAdminConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	a.notif.Start(runCtx)
	if err := a.engine.Start(runCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	a.sched.Start(runCtx)
	a.admin.Start(runCtx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug level: frequent jobs would be noisy otherwise.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe()
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case ch, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, ch)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// Reload re-reads the config file now, as a file edit would.
func (a *App) Reload(ctx context.Context) error {
	ch, err := a.cfgm.Reload(ctx)
	if err != nil {
		a.log.Warn("config reload failed", logx.Err(err))
		return err
	}
	if ch.New == nil {
		a.log.Info("config reload requested; file unchanged")
	}
	return nil
}

// applyConfig applies the live sections of ch. Restart-only sections were
// already held back by the config manager.
func (a *App) applyConfig(ctx context.Context, ch config.Change) {
	newCfg := ch.New

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ecfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ecfg)
	}

	if scfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ctx, scfg)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if acfg, err := mapAdminConfig(newCfg); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, acfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	if len(ch.Deferred) > 0 {
		fields = append(fields, logx.String("deferred", strings.Join(ch.Deferred, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			// context.WithTimeout never extends the caller's deadline.
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduler first so no new fires start, then let the engine drain.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 10*time.Second, a.engine.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
