package engine

import (
	"context"
	"fmt"
	"time"

	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

// Tick evaluates every job against now and dispatches the due ones.
//
// A job is due when it is enabled, not already firing, and the next fire
// after its reference (lastRunAt, else createdAt) is at or before now. Each
// due job fires once regardless of how many instants were missed.
//
// The returned error is a persistence failure; dispatch still happens.
func (s *Service) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	now = now.UTC()
	rep := TickReport{At: now}

	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return rep, ErrStopped
	}

	var fires []fire
	for i := range s.store.Jobs {
		j := &s.store.Jobs[i]
		rep.Scanned++
		if !j.Enabled {
			rep.Disabled++
			if setNextRun(j, nil) {
				s.dirty = true
			}
			continue
		}
		if _, busy := s.inflight[j.ID]; busy {
			rep.InFlight++
			continue
		}
		if pin(j, now) {
			s.dirty = true
		}

		due, err := j.NextDue()
		if err != nil {
			rep.Invalid++
			if s.shouldWarnJob(j.ID, time.Now()) {
				s.log.Warn("job schedule invalid", logx.String("job", j.ID), logx.Err(err))
			}
			continue
		}
		if due.IsZero() || due.After(now) {
			var next *time.Time
			if !due.IsZero() {
				next = &due
			}
			if setNextRun(j, next) {
				s.dirty = true
			}
			continue
		}

		s.inflight[j.ID] = struct{}{}
		fires = append(fires, fire{job: j.Clone(), at: now, trigger: TriggerSchedule})
		rep.Fired = append(rep.Fired, j.ID)
	}
	s.mu.Unlock()

	saveErr := s.flush(ctx)

	for _, f := range fires {
		s.dispatch(sup, f)
	}
	if len(fires) > 0 {
		s.log.Debug("tick dispatched", logx.Int("due", len(fires)), logx.Int("scanned", rep.Scanned))
	}
	return rep, saveErr
}

// RunNow fires id immediately and waits for the outcome. Disabled jobs are
// refused unless force is set. The state update and post-fire policy are the
// same as a scheduled fire.
func (s *Service) RunNow(ctx context.Context, id string, force bool) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.now().UTC()

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return Outcome{}, ErrStopped
	}
	i := s.store.Index(id)
	if i < 0 {
		s.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	j := &s.store.Jobs[i]
	if !j.Enabled && !force {
		s.mu.Unlock()
		return Outcome{}, ErrJobDisabled
	}
	if _, busy := s.inflight[j.ID]; busy {
		s.mu.Unlock()
		return Outcome{}, ErrInFlight
	}
	if pin(j, now) {
		s.dirty = true
	}
	s.inflight[j.ID] = struct{}{}
	f := fire{job: j.Clone(), at: now, trigger: TriggerManual}
	s.mu.Unlock()

	s.firing.Add(1)
	defer s.firing.Done()
	return s.fire(ctx, f), nil
}
