package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse turns a human schedule string into a Schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - One-time instant: "2026-01-02T15:04:05Z" (RFC 3339)
//
// Optional prefixes force the kind:
//   - "cron:"
//   - "every:" or "interval:"
//   - "at:"
//
// tz applies to cron schedules only.
func Parse(raw, tz string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidSchedule)
		}
		return validated(Cron(expr, tz))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(s[len("interval:"):])
	case strings.HasPrefix(low, "at:"):
		return parseAt(s[len("at:"):])
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return validated(Cron(s, tz))
	}
	// - HH:MM => interval
	if reHHMM.MatchString(s) {
		return parseEvery(s)
	}
	// - RFC 3339 => one-time
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return At(t), nil
	}
	// - Go duration => interval
	if _, err := time.ParseDuration(s); err == nil {
		return parseEvery(s)
	}

	return Schedule{}, fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m' or an RFC 3339 instant)",
		ErrInvalidSchedule, raw,
	)
}

func validated(s Schedule) (Schedule, error) {
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

func parseEvery(v string) (Schedule, error) {
	d, err := parseInterval(v)
	if err != nil {
		return Schedule{}, err
	}
	return validated(Every(d, nil))
}

func parseAt(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: at %q: expected RFC 3339 instant", ErrInvalidSchedule, v)
	}
	return At(t), nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: interval %q (use HH:MM or Go duration like '55m'/'2h30m')", ErrInvalidSchedule, v)
	}
	if d < time.Second {
		return 0, fmt.Errorf("%w: interval must be >= 1s", ErrInvalidSchedule)
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidSchedule, v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSchedule, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, nil
}
