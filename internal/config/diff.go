package config

import (
	"reflect"
	"strings"

	logx "agentcron/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like
// passwords or headers), and (3) the changed sections that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)
	var restart []string

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.TickInterval) != strings.TrimSpace(newCfg.Scheduler.TickInterval) ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.exec_timeout", strings.TrimSpace(newCfg.Engine.ExecTimeout)),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
		)
	}

	// Storage and agent are opened once at startup.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.String("storage.redis_addr", newCfg.Storage.Redis.Addr),
		)
	}
	if !reflect.DeepEqual(oldCfg.Agent, newCfg.Agent) {
		changed = append(changed, "agent")
		restart = append(restart, "agent")
		attrs = append(attrs,
			logx.String("agent.driver", newCfg.Agent.Driver),
			logx.Int("agent.header_count", len(newCfg.Agent.Headers)),
			logx.String("agent.timeout", strings.TrimSpace(newCfg.Agent.Timeout)),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}

	oldN := DefaultNotifier()
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	newN := DefaultNotifier()
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.String("notifier.driver", newN.Driver),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
		if oldN.Driver != newN.Driver || oldN.URL != newN.URL || !reflect.DeepEqual(oldN.Headers, newN.Headers) ||
			oldN.Workers != newN.Workers || oldN.QueueSize != newN.QueueSize {
			restart = append(restart, "notifier")
		}
	}

	return changed, attrs, restart
}
