package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type Recurrence int

const (
	RecurrenceUnknown Recurrence = iota
	RecurrenceNone
	RecurrenceDaily
	RecurrenceWeekly
	RecurrenceMonthly
)

func (r Recurrence) String() string {
	switch r {
	case RecurrenceNone:
		return "none"
	case RecurrenceDaily:
		return "daily"
	case RecurrenceWeekly:
		return "weekly"
	case RecurrenceMonthly:
		return "monthly"
	default:
		return "unknown"
	}
}

func (r Recurrence) Valid() bool {
	return r >= RecurrenceNone && r <= RecurrenceMonthly
}

func ParseRecurrence(s string) (Recurrence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "once", "onetime", "one-time", "one_time":
		return RecurrenceNone, nil
	case "daily":
		return RecurrenceDaily, nil
	case "weekly":
		return RecurrenceWeekly, nil
	case "monthly":
		return RecurrenceMonthly, nil
	}
	return RecurrenceUnknown, errors.Wrapf(ErrInvalidRequest, "unknown recurrence %q", s)
}

func (r Recurrence) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Recurrence) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*r = Recurrence(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "recurrence")
	}
	parsed, err := ParseRecurrence(s)
	if err != nil {
		*r = RecurrenceUnknown
		return nil
	}
	*r = parsed
	return nil
}

// NextOccurrence computes the occurrence following t. The boolean is false
// when the recurrence never repeats or is not recognised.
func NextOccurrence(t time.Time, r Recurrence) (time.Time, bool) {
	switch r {
	case RecurrenceDaily:
		return t.AddDate(0, 0, 1), true
	case RecurrenceWeekly:
		return t.AddDate(0, 0, 7), true
	case RecurrenceMonthly:
		return addMonthClamped(t), true
	default:
		return time.Time{}, false
	}
}

// addMonthClamped keeps the day of month, falling back to the last day of
// the target month when it is shorter. time.AddDate would roll over instead.
func addMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()
	firstOfTarget := time.Date(year, month+1, 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}
