package engine

import (
	"context"
	"strings"
	"time"

	"agentcron/internal/task/job"
	"agentcron/internal/task/schedule"
	logx "agentcron/pkg/logx"
)

// Jobs returns copies of all jobs in store order.
func (s *Service) Jobs() []job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.Job, len(s.store.Jobs))
	for i := range s.store.Jobs {
		out[i] = s.store.Jobs[i].Clone()
	}
	return out
}

func (s *Service) Job(id string) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(id)
}

// AddJob inserts j and persists the store. Missing timestamps are set to now.
// If the save fails the job stays in memory and the error is returned.
func (s *Service) AddJob(ctx context.Context, j job.Job) (job.Job, error) {
	j.ID = strings.TrimSpace(j.ID)
	now := s.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = now
	pin(&j, now)
	refreshNextRun(&j)

	s.mu.Lock()
	if err := s.store.Add(j); err != nil {
		s.mu.Unlock()
		return job.Job{}, err
	}
	s.dirty = true
	s.mu.Unlock()

	s.log.Info("job added", logx.String("job", j.ID), logx.String("name", j.Name), logx.String("schedule", j.Schedule.String()))
	return j.Clone(), s.flush(ctx)
}

// RemoveJob deletes id. Removing an absent job is not an error.
func (s *Service) RemoveJob(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	j, ok := s.store.Get(id)
	if ok {
		s.store.Remove(id)
		s.dirty = true
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	s.log.Info("job removed", logx.String("job", j.ID))
	s.publish("job.removed", s.now(), JobEvent{JobID: j.ID, JobName: j.Name})
	return true, s.flush(ctx)
}

// UpdateJob applies fn to the job and persists the result. fn runs under
// the engine lock and must not call back into the Service. Moving a job to a
// new one-time instant clears its run state so it can fire again.
func (s *Service) UpdateJob(ctx context.Context, id string, fn func(*job.Job) error) (job.Job, error) {
	now := s.now().UTC()
	s.mu.Lock()
	updated, err := s.store.Update(id, func(j *job.Job) error {
		before := j.Schedule
		if fn != nil {
			if err := fn(j); err != nil {
				return err
			}
		}
		if rearmed(before, j.Schedule) {
			j.State = job.State{}
		}
		j.UpdatedAt = now
		pin(j, now)
		refreshNextRun(j)
		return nil
	})
	if err == nil {
		s.dirty = true
	}
	s.mu.Unlock()
	if err != nil {
		return job.Job{}, err
	}
	return updated, s.flush(ctx)
}

// rearmed reports whether next moves a one-time schedule to a new instant.
// The run history is cleared then, since a fired at job is exhausted.
func rearmed(prev, next schedule.Schedule) bool {
	if next.Kind() != schedule.KindAt {
		return false
	}
	return prev.Kind() != schedule.KindAt || !prev.At.Equal(next.At)
}

// EnableJob flips the enabled flag. A disable takes effect at the next tick
// and does not interrupt an execution in flight.
func (s *Service) EnableJob(ctx context.Context, id string, enabled bool) (job.Job, error) {
	j, err := s.UpdateJob(ctx, id, func(j *job.Job) error {
		j.Enabled = enabled
		return nil
	})
	if err == nil {
		s.log.Info("job enablement changed", logx.String("job", j.ID), logx.Bool("enabled", enabled))
	}
	return j, err
}

// pin fixes the references a job's schedule is computed from, so results
// are stable across restarts. It reports whether anything changed.
func pin(j *job.Job, now time.Time) bool {
	changed := false
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now.UTC()
		changed = true
	}
	if j.Schedule.Kind() == schedule.KindEvery && j.Schedule.Anchor == nil {
		j.Schedule = j.Schedule.WithAnchor(j.CreatedAt)
		changed = true
	}
	return changed
}

// refreshNextRun recomputes the informational NextRunAt and reports whether
// it changed.
func refreshNextRun(j *job.Job) bool {
	var next *time.Time
	if j.Enabled {
		if due, err := j.NextDue(); err == nil && !due.IsZero() {
			next = &due
		}
	}
	return setNextRun(j, next)
}

func setNextRun(j *job.Job, next *time.Time) bool {
	prev := j.State.NextRunAt
	switch {
	case prev == nil && next == nil:
		return false
	case prev != nil && next != nil && prev.Equal(*next):
		return false
	}
	if next != nil {
		t := next.UTC()
		j.State.NextRunAt = &t
	} else {
		j.State.NextRunAt = nil
	}
	return true
}
