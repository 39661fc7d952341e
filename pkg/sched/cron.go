// Package sched evaluates cron, interval, one-shot, and event schedules
// and launches background tasks through the executor.
package sched

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gatherops/gather/pkg/core"
)

// cronParser accepts the classic 5-field grammar: minute, hour,
// day-of-month, month, day-of-week. Names (JAN..DEC, SUN..SAT), lists,
// ranges, and */step are supported by the underlying parser.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// CronSchedule is a parsed 5-field cron expression.
type CronSchedule struct {
	expr  string
	sched cron.Schedule
}

// ParseCron parses a 5-field cron expression. Whitespace is normalized
// and day-of-week 7 is treated as Sunday (0). Returns a BadInput error
// for malformed expressions.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, core.Errorf(core.KindBadInput,
			"cron expression %q must have 5 fields, got %d", expr, len(fields))
	}
	fields[4] = normalizeDow(fields[4])
	normalized := strings.Join(fields, " ")

	sched, err := cronParser.Parse(normalized)
	if err != nil {
		return nil, core.Errorf(core.KindBadInput, "invalid cron expression %q: %v", expr, err)
	}
	return &CronSchedule{expr: normalized, sched: sched}, nil
}

// Next returns the first firing strictly after the given time.
func (s *CronSchedule) Next(after time.Time) time.Time {
	return s.sched.Next(after)
}

// Expression returns the normalized expression.
func (s *CronSchedule) Expression() string {
	return s.expr
}

// normalizeDow rewrites day-of-week 7 to 0 so both Sunday spellings work.
func normalizeDow(field string) string {
	tokens := strings.Split(field, ",")
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		switch {
		case tok == "7":
			out = append(out, "0")
		case strings.HasSuffix(tok, "-7"):
			// A range ending on 7 wraps to Sunday.
			out = append(out, strings.TrimSuffix(tok, "-7")+"-6", "0")
		default:
			out = append(out, tok)
		}
	}
	return strings.Join(out, ",")
}
