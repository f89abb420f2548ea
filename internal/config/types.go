package config

// Config is the daemon configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Storage   StorageConfig   `json:"storage"`
	Agent     AgentConfig     `json:"agent"`
	Admin     AdminConfig     `json:"admin,omitzero"`

	// Notifier may be omitted; it then defaults to enabled with the log sink.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	JSON    bool         `json:"json,omitempty"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity log lines through the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the tick loop.
//
// Timezone only affects how previews and listings are rendered. Cron
// schedules without their own timezone are evaluated in UTC.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// EngineConfig controls execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - exec_timeout: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Workers     int    `json:"workers,omitempty"`
	ExecTimeout string `json:"exec_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// StorageConfig selects the job store backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/jobs.json" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitzero"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
}

// AgentConfig selects how fired payloads reach the agent.
type AgentConfig struct {
	Driver  string            `json:"driver"`
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// AdminConfig controls the operator HTTP server (health, status, pprof).
//
// Defaults: addr "127.0.0.1:6061", read_timeout "5s", idle_timeout "2m".
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
type NotifierConfig struct {
	Enabled         bool              `json:"enabled"`
	Driver          string            `json:"driver,omitempty"`
	URL             string            `json:"url,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Workers         int               `json:"workers,omitempty"`
	QueueSize       int               `json:"queue_size,omitempty"`
	RatePerSec      int               `json:"rate_per_sec,omitempty"`
	RetryMax        int               `json:"retry_max,omitempty"`
	RetryBase       string            `json:"retry_base,omitempty"`
	RetryMaxDelay   string            `json:"retry_max_delay,omitempty"`
	DedupWindow     string            `json:"dedup_window,omitempty"`
	DedupMaxEntries int               `json:"dedup_max_entries,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Driver:          "log",
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}
