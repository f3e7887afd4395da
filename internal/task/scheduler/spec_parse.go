package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of a poll spec.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// pollParser accepts 5 or 6 field cron specs and descriptors (@hourly, @every 1m).
var pollParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParsedSpec is a poll cadence: a cron expression or a fixed interval.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "@hourly", "@every 1m" ("cron:" prefix forces it)
//   - interval: "30s", "2m30s" or "HH:MM" like "00:05" ("interval:"/"every:" prefix forces it)
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// ParseSchedule parses a poll spec. Cron expressions are checked with the
// same parser the scheduler runs them with.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("poll spec required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s)
	}
	ps, err := parseEvery(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid poll spec %q (use cron like '*/5 * * * *', '@every 1m', a duration like '30s' or HH:MM)", raw)
	}
	return ps, nil
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron expression required")
	}
	if _, err := pollParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
}

func parseEvery(v string) (ParsedSpec, error) {
	d, err := parseIntervalValue(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

// parseIntervalValue reads a Go duration or HH:MM (hours up to 999).
func parseIntervalValue(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	hh, mm, ok := strings.Cut(v, ":")
	if !ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", v, err)
		}
		return d, nil
	}
	h, herr := strconv.Atoi(hh)
	m, merr := strconv.Atoi(mm)
	if herr != nil || merr != nil || len(hh) > 3 || len(mm) != 2 || h < 0 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
