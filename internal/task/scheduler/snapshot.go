package scheduler

import (
	"sync/atomic"
	"time"

	"agentcron/internal/task/job"
)

const previewRuns = 3

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	lastTick := s.lastTick
	s.mu.Unlock()

	es := s.engine.Snapshot()
	inflight := make(map[string]bool, len(es.InFlight))
	for _, id := range es.InFlight {
		inflight[id] = true
	}

	now := s.now()
	jobs := s.engine.Jobs()
	items := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		it := JobInfo{
			ID:         j.ID,
			Name:       j.Name,
			Enabled:    j.Enabled,
			Schedule:   j.Schedule.String(),
			LastStatus: j.State.LastStatus,
			RunCount:   j.State.RunCount,
			InFlight:   inflight[j.ID],
		}
		if j.State.LastRunAt != nil {
			it.LastRunAt = j.State.LastRunAt.In(loc)
		}
		if j.Enabled {
			it.Next = NextRuns(j, now, previewRuns, loc)
		}
		items = append(items, it)
	}

	return Snapshot{
		Enabled:      cfg.Enabled,
		Timezone:     loc.String(),
		TickInterval: cfg.TickInterval,
		LastTick:     lastTick,
		Ticks:        atomic.LoadUint64(&s.ticks),
		TickErrors:   atomic.LoadUint64(&s.tickErrors),
		Engine:       es,
		Jobs:         items,
	}
}

// NextRuns lists up to n upcoming fire instants of j rendered in loc. The
// first is the job's due instant, which may precede now.
func NextRuns(j job.Job, now time.Time, n int, loc *time.Location) []time.Time {
	if n <= 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if j.Reference().IsZero() {
		j.CreatedAt = now
	}
	due, err := j.NextDue()
	if err != nil || due.IsZero() {
		return nil
	}
	out := []time.Time{due.In(loc)}
	from := due
	if now.After(from) {
		from = now
	}
	for _, t := range j.Schedule.Preview(from, n-1) {
		out = append(out, t.In(loc))
	}
	return out
}
