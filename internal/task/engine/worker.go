package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "agentcron/internal/runtime/supervisor"
	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

type fire struct {
	job     job.Job
	at      time.Time
	trigger Trigger
}

func (s *Service) dispatch(sup *rtsup.Supervisor, f fire) {
	s.firing.Add(1)
	sup.Go("fire."+f.job.ID, func(ctx context.Context) error {
		defer s.firing.Done()
		s.fire(ctx, f)
		return nil
	})
}

// fire executes f and applies the outcome to the store. The job must already
// be marked in flight; fire releases it.
func (s *Service) fire(ctx context.Context, f fire) Outcome {
	fireID := uuid.NewString()
	req := Request{
		FireID:  fireID,
		JobID:   f.job.ID,
		JobName: f.job.Name,
		Payload: f.job.Payload,
		FiredAt: f.at,
		Trigger: f.trigger,
	}
	s.publish("job.fired", f.at, JobEvent{FireID: fireID, JobID: f.job.ID, JobName: f.job.Name, Trigger: f.trigger, FiredAt: f.at})
	s.log.Debug("job fired", logx.String("job", f.job.ID), logx.String("fire", fireID), logx.String("trigger", string(f.trigger)))

	start := time.Now()
	out := s.execute(ctx, req)
	dur := time.Since(start)

	s.complete(ctx, f, req, out, dur)
	return out
}

func (s *Service) execute(ctx context.Context, req Request) Outcome {
	if !req.Payload.Known() {
		return Outcome{Status: job.StatusSkipped, Detail: fmt.Sprintf("unsupported payload kind %q", req.Payload.Kind())}
	}

	release, ok := s.acquirePermit(ctx)
	if !ok {
		return Failure("canceled")
	}
	defer release()

	s.mu.Lock()
	timeout := s.cfg.ExecTimeout
	s.mu.Unlock()

	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		// Guard against executor panics: one bad backend call must not kill the engine.
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job.panic", logx.String("job", req.JobID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- Failure(fmt.Sprintf("panic: %v", r))
			}
		}()
		done <- s.exec.Execute(runCtx, req)
	}()

	select {
	case out := <-done:
		// A result that raced the deadline still counts as a timeout.
		if timedOut(ctx, runCtx) {
			return Failure("timeout")
		}
		return normalizeOutcome(out)
	case <-runCtx.Done():
		if timedOut(ctx, runCtx) {
			return Failure("timeout")
		}
		return Failure("canceled")
	}
}

func timedOut(parent, run context.Context) bool {
	return parent.Err() == nil && errors.Is(run.Err(), context.DeadlineExceeded)
}

func normalizeOutcome(out Outcome) Outcome {
	switch out.Status {
	case job.StatusSuccess, job.StatusFailure, job.StatusSkipped:
		return out
	case "":
		return Failure("executor returned no status")
	default:
		return Failure(fmt.Sprintf("executor returned unknown status %q", out.Status))
	}
}

func (s *Service) acquirePermit(ctx context.Context) (func(), bool) {
	s.mu.Lock()
	ch := s.permits
	s.mu.Unlock()
	if ch == nil {
		return func() {}, true
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	case <-ctx.Done():
		return nil, false
	}
}

// complete writes the outcome into the job state and applies post-fire
// policy: a successful one-shot job is removed.
func (s *Service) complete(ctx context.Context, f fire, req Request, out Outcome, dur time.Duration) {
	removed := false
	gone := false

	s.mu.Lock()
	delete(s.inflight, f.job.ID)
	if i := s.store.Index(f.job.ID); i < 0 {
		gone = true
	} else {
		j := &s.store.Jobs[i]
		at := f.at
		j.State.LastRunAt = &at
		j.State.LastStatus = out.Status
		j.State.RunCount++
		if out.Status == job.StatusFailure {
			j.State.LastError = out.Detail
		} else {
			j.State.LastError = ""
		}
		if out.Status == job.StatusSuccess && j.DeleteAfterRun {
			s.store.Remove(j.ID)
			removed = true
		} else {
			refreshNextRun(j)
		}
		s.dirty = true
	}
	saveTimeout := s.cfg.SaveTimeout
	s.mu.Unlock()

	switch out.Status {
	case job.StatusSuccess:
		atomic.AddUint64(&s.fired, 1)
	case job.StatusFailure:
		atomic.AddUint64(&s.fired, 1)
		atomic.AddUint64(&s.failed, 1)
	case job.StatusSkipped:
		atomic.AddUint64(&s.skipped, 1)
	}

	ev := JobEvent{FireID: req.FireID, JobID: req.JobID, JobName: req.JobName, Trigger: req.Trigger, FiredAt: f.at, Duration: dur, Status: out.Status, Detail: out.Detail}
	finishAt := time.Now()
	switch out.Status {
	case job.StatusSuccess:
		if dur >= 750*time.Millisecond {
			s.log.Info("job.completed", logx.String("job", req.JobID), logx.Duration("dur", dur))
		} else {
			s.log.Debug("job.completed", logx.String("job", req.JobID), logx.Duration("dur", dur))
		}
		s.publish("job.finished", finishAt, ev)
	case job.StatusFailure:
		s.log.Warn("job.failed", logx.String("job", req.JobID), logx.String("detail", out.Detail), logx.Duration("dur", dur))
		s.publish("job.failed", finishAt, ev)
	default:
		s.log.Info("job.skipped", logx.String("job", req.JobID), logx.String("detail", out.Detail))
		s.publish("job.skipped", finishAt, ev)
	}

	if gone {
		s.log.Info("job removed while firing; outcome dropped", logx.String("job", req.JobID))
	} else {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		_ = s.flush(saveCtx)
		cancel()
	}
	if removed {
		s.log.Info("one-shot job removed after success", logx.String("job", req.JobID))
		s.publish("job.removed", finishAt, JobEvent{FireID: req.FireID, JobID: req.JobID, JobName: req.JobName})
	}

	s.record(HistoryItem{
		FireID:   req.FireID,
		JobID:    req.JobID,
		JobName:  req.JobName,
		Trigger:  req.Trigger,
		FiredAt:  f.at,
		Duration: dur,
		Status:   out.Status,
		Detail:   out.Detail,
		Removed:  removed,
	})

	if f.job.Payload.Known() && f.job.Payload.Deliver && s.deliver != nil {
		d := Delivery{
			FireID:  req.FireID,
			JobID:   req.JobID,
			JobName: req.JobName,
			Channel: f.job.Payload.Channel,
			To:      f.job.Payload.To,
			Message: f.job.Payload.Message,
			Status:  out.Status,
			Detail:  out.Detail,
			FiredAt: f.at,
		}
		if err := s.deliver.Deliver(context.WithoutCancel(ctx), d); err != nil && s.shouldWarnJob("deliver."+req.JobID, finishAt) {
			s.log.Warn("delivery failed", logx.String("job", req.JobID), logx.Err(err))
		}
	}
}
