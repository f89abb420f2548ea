package app

import (
	"strings"
	"time"

	"agentcron/internal/agent"
	"agentcron/internal/config"
	"agentcron/internal/notifier"
	"agentcron/internal/observability/admin"
	"agentcron/internal/storage"
	"agentcron/internal/task/engine"
	"agentcron/internal/task/scheduler"
	logx "agentcron/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

// mapStorageConfig converts the storage section. The default busy timeout
// only matters for sqlite.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Key:      strings.TrimSpace(sc.Redis.Key),
		},
	}, nil
}

func mapAgentConfig(cfg *config.Config) (agent.Config, error) {
	ac := cfg.Agent
	timeout, err := config.ParseDurationField("agent.timeout", ac.Timeout)
	if err != nil {
		return agent.Config{}, err
	}
	return agent.Config{
		Driver:  ac.Driver,
		URL:     ac.URL,
		Command: ac.Command,
		Headers: ac.Headers,
		Timeout: timeout,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	timeout, err := config.ParseDurationField("engine.exec_timeout", ec.ExecTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:     ec.Workers,
		ExecTimeout: timeout,
		HistorySize: ec.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", sc.TickInterval, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      sc.Enabled,
		TickInterval: tick,
		Timezone:     strings.TrimSpace(sc.Timezone),
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Driver:          nc.Driver,
		URL:             nc.URL,
		Headers:         nc.Headers,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: nc.DedupMaxEntries,
	}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
	if out.Addr == "" {
		out.Addr = admin.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("admin.write_timeout", ac.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if out.Enabled && out.Token == "" && !out.AllowInsecure && !admin.IsLoopbackAddr(out.Addr) {
		return out, admin.ErrInsecureBind
	}
	return out, nil
}
