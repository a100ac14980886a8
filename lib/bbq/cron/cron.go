// Package cron is BBQ's cron-pattern parser/matcher external collaborator
// (see spec §1: "cron-expression parser/matcher (tokenized 5-field form)").
// ScheduleJob consumes only Parse and IsTimeToRun, calling this package
// directly; there is no hook for substituting another implementation.
package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// namedPatterns mirrors robfig/cron's own predefined descriptors
// (@daily, @weekly, ...), minus the "@" and with weekday names added, per
// spec §6: "daily, weekly, monthly, yearly, hourly, minutely, monday..sunday".
var namedPatterns = map[string]string{
	"yearly":  "0 0 1 1 *",
	"monthly": "0 0 1 * *",
	"weekly":  "0 0 * * 0",
	"daily":   "0 0 * * *",
	"hourly":  "0 * * * *",
	"minutely": "* * * * *",

	"sunday":    "0 0 * * 0",
	"monday":    "0 0 * * 1",
	"tuesday":   "0 0 * * 2",
	"wednesday": "0 0 * * 3",
	"thursday":  "0 0 * * 4",
	"friday":    "0 0 * * 5",
	"saturday":  "0 0 * * 6",
}

// parser accepts the standard 5-field form: minute hour dom month dow.
var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

// Schedule is the parsed 5-field cron form, plus the underlying matcher used
// to evaluate it.
type Schedule struct {
	Minute     string
	Hour       string
	DayOfMonth string
	Month      string
	DayOfWeek  string

	expr robfig.Schedule
}

// Parse parses pattern, which is either one of the named patterns in
// namedPatterns or a literal 5-field cron expression.
func Parse(pattern string) (Schedule, error) {
	literal, ok := namedPatterns[strings.ToLower(strings.TrimSpace(pattern))]
	if !ok {
		literal = pattern
	}

	fields := strings.Fields(literal)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: pattern %q must have 5 fields (minute hour dayOfMonth month dayOfWeek)", pattern)
	}

	expr, err := parser.Parse(literal)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: parse %q: %w", pattern, err)
	}

	return Schedule{
		Minute:     fields[0],
		Hour:       fields[1],
		DayOfMonth: fields[2],
		Month:      fields[3],
		DayOfWeek:  fields[4],
		expr:       expr,
	}, nil
}

// IsTimeToRun reports whether the current minute boundary in timezone tz
// matches s. The Worker calls this once per minute tick; a match is
// detected by asking the underlying schedule for its next fire time from one
// minute before `at` and checking that it lands within the current minute.
func IsTimeToRun(s Schedule, tz string, at time.Time) bool {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	at = at.In(loc).Truncate(time.Minute)
	prev := at.Add(-time.Minute)
	next := s.expr.Next(prev)
	return !next.After(at)
}
