package scheduler

import (
	"context"
	"sync"
	"time"

	"agentcron/internal/eventbus"
	rtsup "agentcron/internal/runtime/supervisor"
	"agentcron/internal/task/engine"
	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

// Config controls the trigger loop.
type Config struct {
	Enabled      bool
	TickInterval time.Duration
	// Timezone is the IANA zone used to render previews, e.g. "Asia/Jakarta".
	// Cron schedules carry their own zone.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

// Engine is the part of engine.Service the scheduler drives.
type Engine interface {
	Tick(ctx context.Context, now time.Time) (engine.TickReport, error)
	Jobs() []job.Job
	Snapshot() engine.Snapshot
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	bus    eventbus.Bus
	engine Engine
	now    func() time.Time

	sup  *rtsup.Supervisor
	wake chan struct{}

	lastTick   time.Time
	ticks      uint64
	tickErrors uint64

	// Tick error throttling: key is the error text.
	warnMu       sync.Mutex
	lastTickWarn map[string]time.Time
}

type JobInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Schedule   string     `json:"schedule"`
	LastRunAt  time.Time  `json:"last_run_at,omitzero"`
	LastStatus job.Status `json:"last_status"`
	RunCount   int        `json:"run_count"`
	InFlight   bool       `json:"in_flight"`
	// Next holds upcoming fire instants in the scheduler timezone. The first
	// entry may be in the past when the job is overdue.
	Next []time.Time `json:"next"`
}

type Snapshot struct {
	Enabled      bool          `json:"enabled"`
	Timezone     string        `json:"timezone"`
	TickInterval time.Duration `json:"tick_interval"`
	LastTick     time.Time     `json:"last_tick,omitzero"`
	Ticks        uint64        `json:"ticks"`
	TickErrors   uint64        `json:"tick_errors"`

	Engine engine.Snapshot `json:"engine"`
	Jobs   []JobInfo       `json:"jobs"`
}
