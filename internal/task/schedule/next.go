package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron (minute hour dom month dow) plus @hourly-style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCron(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: cron expression required", ErrInvalidSchedule)
	}
	if _, err := loadLocation(tz); err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
	}
	return loc, nil
}

// NextFireAfter returns the earliest fire instant strictly after ref, or the
// zero time when the schedule has none (elapsed at, unknown kind).
//
// An every schedule without an anchor is anchored at ref.
func (s Schedule) NextFireAfter(ref time.Time) (time.Time, error) {
	switch s.kind {
	case KindEvery:
		return s.nextEvery(ref)
	case KindCron:
		return s.nextCron(ref)
	case KindAt:
		if s.At.After(ref) {
			return s.At, nil
		}
		return time.Time{}, nil
	default:
		return time.Time{}, nil
	}
}

func (s Schedule) nextEvery(ref time.Time) (time.Time, error) {
	if s.IntervalSeconds <= 0 || s.IntervalSeconds > MaxIntervalSeconds {
		return time.Time{}, fmt.Errorf("%w: every interval out of range (got %ds)", ErrInvalidSchedule, s.IntervalSeconds)
	}
	d := s.Interval()
	anchor := ref
	if s.Anchor != nil {
		anchor = *s.Anchor
	}
	if ref.Before(anchor) {
		return anchor.UTC(), nil
	}
	k := ref.Sub(anchor)/d + 1
	next := anchor.Add(k * d)
	// Sub saturates for anchors centuries away; step forward until strictly after.
	for !next.After(ref) {
		next = next.Add(d)
	}
	return next.UTC(), nil
}

func (s Schedule) nextCron(ref time.Time) (time.Time, error) {
	sched, err := parseCron(s.Expression, s.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := loadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(ref.In(loc))
	if next.IsZero() || !next.After(ref) {
		// robfig/cron gives up after five years without a match (e.g. Feb 30).
		return time.Time{}, nil
	}
	return next.UTC(), nil
}

// Preview returns up to n consecutive fire instants after ref.
func (s Schedule) Preview(ref time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := ref
	for i := 0; i < n; i++ {
		next, err := s.NextFireAfter(t)
		if err != nil || next.IsZero() {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}
