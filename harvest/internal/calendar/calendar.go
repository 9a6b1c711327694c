// Package calendar computes refresh schedules: the next eligible refresh
// time of a frequency class, period windows between two dates, and batch
// partitioning of dataset keys.
//
// All times are naive wall clock values in the UTC location.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Freq is a refresh frequency class.
type Freq string

const (
	Hourly      Freq = "H"
	Daily       Freq = "D"
	BusinessDay Freq = "B"
	Weekly      Freq = "W"
	Monthly     Freq = "M"
	Quarterly   Freq = "Q"
	Yearly      Freq = "Y"
)

// ParseFreq accepts the single-letter codes and their long names.
func ParseFreq(s string) (Freq, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "H", "HOURLY":
		return Hourly, nil
	case "D", "DAILY":
		return Daily, nil
	case "B", "BUSINESS", "BUSINESSDAY":
		return BusinessDay, nil
	case "W", "WEEKLY":
		return Weekly, nil
	case "M", "MONTHLY":
		return Monthly, nil
	case "Q", "QUARTERLY":
		return Quarterly, nil
	case "Y", "A", "YEARLY", "ANNUAL":
		return Yearly, nil
	}
	return "", fmt.Errorf("calendar: unknown frequency %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Freq) UnmarshalText(b []byte) error {
	v, err := ParseFreq(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// NextUpdate returns the first refresh slot of freq strictly after now.
// at is the hour of day of the slot (0-23); for Hourly it is the minute.
//
//	D: every day at hour at
//	B: every weekday at hour at
//	W: every Monday at hour at
//	M, Q, Y: the first day of the month, quarter or year at hour at
func NextUpdate(now time.Time, freq Freq, at int) time.Time {
	day := midnight(now)
	hour := time.Duration(at) * time.Hour
	switch freq {
	case Hourly:
		t := now.Truncate(time.Hour).Add(time.Duration(at) * time.Minute)
		for !t.After(now) {
			t = t.Add(time.Hour)
		}
		return t
	case BusinessDay:
		t := day.Add(hour)
		for !t.After(now) || isWeekend(t) {
			t = t.AddDate(0, 0, 1)
		}
		return t
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		t := day.AddDate(0, 0, -offset).Add(hour)
		for !t.After(now) {
			t = t.AddDate(0, 0, 7)
		}
		return t
	case Monthly, Quarterly, Yearly:
		t := periodStart(day, freq).Add(hour)
		for !t.After(now) {
			t = periodStart(t, freq).AddDate(0, stepMonths(freq), 0).Add(hour)
		}
		return t
	}
	t := day.Add(hour)
	for !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func stepMonths(freq Freq) int {
	switch freq {
	case Quarterly:
		return 3
	case Yearly:
		return 12
	}
	return 1
}

// periodStart returns midnight of the first day of the period containing t.
func periodStart(t time.Time, freq Freq) time.Time {
	y, m, d := t.Date()
	loc := t.Location()
	switch freq {
	case Weekly:
		return midnight(t).AddDate(0, 0, -((int(t.Weekday()) + 6) % 7))
	case Monthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case Quarterly:
		return time.Date(y, m-(m-1)%3, 1, 0, 0, 0, 0, loc)
	case Yearly:
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc)
	}
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// periodEnd returns midnight of the last day of the period starting at s.
func periodEnd(s time.Time, freq Freq) time.Time {
	switch freq {
	case Weekly:
		return s.AddDate(0, 0, 6)
	case Monthly, Quarterly, Yearly:
		return s.AddDate(0, stepMonths(freq), -1)
	}
	return s
}

// Period is an inclusive date range.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Periods splits [start, end] into the periods of freq, clamped to the
// range. With excludeFuture, periods ending after today are dropped.
// Business-day periods skip weekends.
func Periods(start, end time.Time, freq Freq, today time.Time, excludeFuture bool) []Period {
	start, end = midnight(start), midnight(end)
	if end.Before(start) {
		return nil
	}
	if freq == Hourly {
		freq = Daily
	}
	today = midnight(today)
	var out []Period
	for s := periodStart(start, freq); !s.After(end); {
		e := periodEnd(s, freq)
		next := e.AddDate(0, 0, 1)
		if freq == BusinessDay && isWeekend(s) {
			s = next
			continue
		}
		if excludeFuture && e.After(today) {
			s = next
			continue
		}
		p := Period{Start: s, End: e}
		if p.Start.Before(start) {
			p.Start = start
		}
		if p.End.After(end) {
			p.End = end
		}
		out = append(out, p)
		s = next
	}
	return out
}

// Batches splits keys into consecutive batches of at most size keys.
func Batches[T any](keys []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for i := 0; i < len(keys); i += size {
		out = append(out, keys[i:min(i+size, len(keys))])
	}
	return out
}

// Partition splits keys into at most n disjoint batches of near-equal
// size, preserving order. Each key lands in exactly one batch.
func Partition[T any](keys []T, n int) [][]T {
	if n <= 0 {
		n = 1
	}
	if len(keys) == 0 {
		return nil
	}
	size := (len(keys) + n - 1) / n
	return Batches(keys, size)
}
