package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// FireLayout is the plain wall-clock layout accepted besides RFC 3339.
const FireLayout = "2006-01-02 15:04:05"

// ParseFireInstant reads an announced release instant. Values without a zone
// are taken in loc.
func ParseFireInstant(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(FireLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("fire instant %q: want RFC 3339 or %q", s, FireLayout)
	}
	return t, nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextFireTime returns the next release instant of a recurring window, seen
// from `from` in loc.
func NextFireTime(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.In(loc)), nil
}
