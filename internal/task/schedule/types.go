package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidSchedule is returned for malformed cron expressions, non-positive
// intervals, missing instants and unknown timezones.
var ErrInvalidSchedule = errors.New("invalid schedule")

// MaxIntervalSeconds is the longest every-interval a time.Duration can hold.
const MaxIntervalSeconds = int64(math.MaxInt64 / int64(time.Second))

// Kind discriminates the Schedule variants.
type Kind string

const (
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
	KindAt    Kind = "at"
)

// Known reports whether k is one of the variants this build understands.
func (k Kind) Known() bool {
	switch k {
	case KindEvery, KindCron, KindAt:
		return true
	default:
		return false
	}
}

// Schedule is a recurrence rule. The kind is fixed at construction; only the
// kind-specific fields are meant to change afterwards.
type Schedule struct {
	kind Kind

	// every
	IntervalSeconds int64
	Anchor          *time.Time

	// cron
	Expression string
	Timezone   string

	// at
	At time.Time

	// raw holds the original JSON of an unknown kind.
	raw json.RawMessage
}

// Every returns an interval schedule. A nil anchor is pinned by the engine
// the first time the job is evaluated.
func Every(interval time.Duration, anchor *time.Time) Schedule {
	s := Schedule{kind: KindEvery, IntervalSeconds: int64(interval / time.Second)}
	if anchor != nil {
		a := anchor.UTC()
		s.Anchor = &a
	}
	return s
}

// Cron returns a cron-expression schedule. An empty timezone means UTC.
func Cron(expr, tz string) Schedule {
	return Schedule{kind: KindCron, Expression: strings.TrimSpace(expr), Timezone: strings.TrimSpace(tz)}
}

// At returns a one-time schedule.
func At(t time.Time) Schedule {
	return Schedule{kind: KindAt, At: t.UTC()}
}

func (s Schedule) Kind() Kind { return s.kind }

// Interval returns the every-interval as a duration.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// WithAnchor returns a copy of an every schedule with its anchor set.
func (s Schedule) WithAnchor(t time.Time) Schedule {
	a := t.UTC()
	s.Anchor = &a
	return s
}

// Clone returns a deep copy.
func (s Schedule) Clone() Schedule {
	cp := s
	if s.Anchor != nil {
		a := *s.Anchor
		cp.Anchor = &a
	}
	if s.raw != nil {
		cp.raw = append(json.RawMessage(nil), s.raw...)
	}
	return cp
}

// Validate checks the kind-specific fields. Unknown kinds are accepted as-is.
func (s Schedule) Validate() error {
	switch s.kind {
	case KindEvery:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: every interval must be > 0 (got %ds)", ErrInvalidSchedule, s.IntervalSeconds)
		}
		if s.IntervalSeconds > MaxIntervalSeconds {
			return fmt.Errorf("%w: every interval %ds exceeds %ds", ErrInvalidSchedule, s.IntervalSeconds, MaxIntervalSeconds)
		}
		return nil
	case KindCron:
		_, err := parseCron(s.Expression, s.Timezone)
		return err
	case KindAt:
		if s.At.IsZero() {
			return fmt.Errorf("%w: at instant required", ErrInvalidSchedule)
		}
		return nil
	case "":
		return fmt.Errorf("%w: kind required", ErrInvalidSchedule)
	default:
		return nil
	}
}

func (s Schedule) String() string {
	switch s.kind {
	case KindEvery:
		return "every " + s.Interval().String()
	case KindCron:
		tz := s.Timezone
		if tz == "" {
			tz = "UTC"
		}
		return fmt.Sprintf("cron %q (%s)", s.Expression, tz)
	case KindAt:
		return "at " + s.At.Format(time.RFC3339)
	default:
		return "unknown(" + string(s.kind) + ")"
	}
}

type wireSchedule struct {
	Kind            Kind       `json:"kind"`
	IntervalSeconds int64      `json:"intervalSeconds,omitempty"`
	Anchor          *time.Time `json:"anchor,omitempty"`
	Expression      string     `json:"expression,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	At              *time.Time `json:"at,omitempty"`
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	if !s.kind.Known() && s.raw != nil {
		return s.raw, nil
	}
	w := wireSchedule{Kind: s.kind}
	switch s.kind {
	case KindEvery:
		w.IntervalSeconds = s.IntervalSeconds
		w.Anchor = s.Anchor
	case KindCron:
		w.Expression = s.Expression
		w.Timezone = s.Timezone
	case KindAt:
		at := s.At
		w.At = &at
	}
	return json.Marshal(w)
}

func (s *Schedule) UnmarshalJSON(b []byte) error {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	if !head.Kind.Known() {
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return err
		}
		*s = Schedule{kind: head.Kind, raw: buf.Bytes()}
		return nil
	}
	var w wireSchedule
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Schedule{kind: w.Kind}
	switch w.Kind {
	case KindEvery:
		out.IntervalSeconds = w.IntervalSeconds
		if w.Anchor != nil {
			a := w.Anchor.UTC()
			out.Anchor = &a
		}
	case KindCron:
		out.Expression = w.Expression
		out.Timezone = w.Timezone
	case KindAt:
		if w.At != nil {
			out.At = w.At.UTC()
		}
	}
	*s = out
	return nil
}
