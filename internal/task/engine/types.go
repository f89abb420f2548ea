package engine

import (
	"context"
	"time"

	"agentcron/internal/task/job"
)

// Config controls job execution.
//
// The app layer maps config.engine into this struct.
type Config struct {
	// Workers caps concurrent executions across all jobs.
	Workers int

	// ExecTimeout bounds a single execution. 0 means no engine-side timeout.
	ExecTimeout time.Duration

	HistorySize int

	// SaveTimeout bounds persistence after a fire completes.
	SaveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.ExecTimeout < 0 {
		c.ExecTimeout = 0
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
	return c
}

// Outcome is the result of one execution. Failures are values, not errors.
type Outcome struct {
	Status job.Status
	Detail string
}

func Success(detail string) Outcome { return Outcome{Status: job.StatusSuccess, Detail: detail} }
func Failure(detail string) Outcome { return Outcome{Status: job.StatusFailure, Detail: detail} }

// Trigger says why a job fired.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Request is handed to the Executor on fire.
type Request struct {
	FireID  string
	JobID   string
	JobName string
	Payload job.Payload
	FiredAt time.Time
	Trigger Trigger
}

// Executor runs a payload against the agent backend. It is called at most
// once per due computation.
type Executor interface {
	Execute(ctx context.Context, req Request) Outcome
}

type ExecutorFunc func(ctx context.Context, req Request) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, req Request) Outcome { return f(ctx, req) }

// Persister loads and saves the whole store.
type Persister interface {
	Load(ctx context.Context) (*job.Store, error)
	Save(ctx context.Context, st *job.Store) error
}

// Delivery is pushed to the Deliverer for payloads with deliver=true.
type Delivery struct {
	FireID  string     `json:"fire_id"`
	JobID   string     `json:"job_id"`
	JobName string     `json:"job_name"`
	Channel string     `json:"channel,omitempty"`
	To      string     `json:"to,omitempty"`
	Message string     `json:"message"`
	Status  job.Status `json:"status"`
	Detail  string     `json:"detail,omitempty"`
	FiredAt time.Time  `json:"fired_at"`
}

type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

type HistoryItem struct {
	FireID   string        `json:"fire_id"`
	JobID    string        `json:"job_id"`
	JobName  string        `json:"job_name"`
	Trigger  Trigger       `json:"trigger"`
	FiredAt  time.Time     `json:"fired_at"`
	Duration time.Duration `json:"duration"`
	Status   job.Status    `json:"status"`
	Detail   string        `json:"detail"`
	Removed  bool          `json:"removed"`
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	FireID   string        `json:"fire_id,omitempty"`
	JobID    string        `json:"job_id"`
	JobName  string        `json:"job_name"`
	Trigger  Trigger       `json:"trigger,omitempty"`
	FiredAt  time.Time     `json:"fired_at,omitzero"`
	Duration time.Duration `json:"duration,omitempty"`
	Status   job.Status    `json:"status,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// TickReport summarizes one pass over the store.
type TickReport struct {
	At       time.Time
	Scanned  int
	Disabled int
	InFlight int
	Invalid  int
	Fired    []string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Started     bool          `json:"started"`
	Workers     int           `json:"workers"`
	ExecTimeout time.Duration `json:"exec_timeout"`

	Jobs        int      `json:"jobs"`
	EnabledJobs int      `json:"enabled_jobs"`
	InFlight    []string `json:"in_flight"`
	Dirty       bool     `json:"dirty"`

	Fired   uint64 `json:"fired"`
	Failed  uint64 `json:"failed"`
	Skipped uint64 `json:"skipped"`

	History []HistoryItem `json:"history"`
}
