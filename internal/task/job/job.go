package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"agentcron/internal/task/schedule"
)

var (
	ErrDuplicateID = errors.New("duplicate job id")
	ErrNotFound    = errors.New("job not found")
	ErrInvalidJob  = errors.New("invalid job")
)

// DefaultInterval is the every-interval given to jobs built with New.
const DefaultInterval = time.Hour

// Status is the outcome recorded for a fire.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// State is the mutable run bookkeeping of a job. The zero value means
// "never evaluated".
type State struct {
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	LastStatus Status     `json:"lastStatus,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	RunCount   int        `json:"runCount,omitempty"`

	// NextRunAt is informational only; due decisions never read it.
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
}

func (s State) Clone() State {
	cp := s
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		cp.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		cp.NextRunAt = &t
	}
	return cp
}

// Job is a scheduled unit of agent work.
type Job struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Enabled        bool              `json:"enabled"`
	Schedule       schedule.Schedule `json:"schedule"`
	Payload        Payload           `json:"payload"`
	State          State             `json:"state"`
	DeleteAfterRun bool              `json:"deleteAfterRun"`

	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// New returns an enabled job firing every DefaultInterval with an empty
// agent_turn payload. CreatedAt is left for the engine to pin.
func New(id, name string) Job {
	return Job{
		ID:       strings.TrimSpace(id),
		Name:     strings.TrimSpace(name),
		Enabled:  true,
		Schedule: schedule.Every(DefaultInterval, nil),
		Payload:  AgentTurn("", false),
	}
}

func (j Job) Clone() Job {
	cp := j
	cp.Schedule = j.Schedule.Clone()
	cp.Payload = j.Payload.Clone()
	cp.State = j.State.Clone()
	return cp
}

// Validate checks identity fields and the schedule.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidJob)
	}
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("%w: name required (id=%s)", ErrInvalidJob, j.ID)
	}
	if err := j.Schedule.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	return nil
}

// Exhausted reports whether the job can never be due again: an at
// schedule that has already fired.
func (j Job) Exhausted() bool {
	return j.Schedule.Kind() == schedule.KindAt && j.State.RunCount > 0
}

// Reference is the instant a job's next fire is computed from.
func (j Job) Reference() time.Time {
	if j.State.LastRunAt != nil {
		return *j.State.LastRunAt
	}
	return j.CreatedAt
}

// NextDue returns the next fire instant, or the zero time when the job is
// exhausted or its schedule has none.
func (j Job) NextDue() (time.Time, error) {
	if j.Exhausted() {
		return time.Time{}, nil
	}
	return j.Schedule.NextFireAfter(j.Reference())
}
