package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks values the JSON decoder cannot: durations, driver names
// and the scheduler timezone.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("scheduler.tick_interval", c.Scheduler.TickInterval)
	add(err)
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if c.Engine.Workers < 0 {
		add(errors.New("engine.workers must be >= 0"))
	}
	_, err = ParseDurationField("engine.exec_timeout", c.Engine.ExecTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			add(errors.New("storage.redis.addr is required for redis driver"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(c.Agent.Driver)) {
	case "", "echo":
	case "webhook":
		if strings.TrimSpace(c.Agent.URL) == "" {
			add(errors.New("agent.url is required for webhook driver"))
		}
	case "command":
		if strings.TrimSpace(c.Agent.Command) == "" {
			add(errors.New("agent.command is required for command driver"))
		}
	default:
		add(fmt.Errorf("agent.driver: unknown %q", c.Agent.Driver))
	}
	_, err = ParseDurationField("agent.timeout", c.Agent.Timeout)
	add(err)

	for path, raw := range map[string]string{
		"admin.read_timeout":  c.Admin.ReadTimeout,
		"admin.write_timeout": c.Admin.WriteTimeout,
		"admin.idle_timeout":  c.Admin.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if a := c.Admin; a.Enabled && strings.TrimSpace(a.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(a.Addr)); err != nil {
			add(fmt.Errorf("admin.addr: %w", err))
		}
	}

	if n := c.Notifier; n != nil {
		switch strings.ToLower(strings.TrimSpace(n.Driver)) {
		case "", "log":
		case "webhook":
			if n.Enabled && strings.TrimSpace(n.URL) == "" {
				add(errors.New("notifier.url is required for webhook driver"))
			}
		default:
			add(fmt.Errorf("notifier.driver: unknown %q", n.Driver))
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}
	return errors.Join(errs...)
}
