// Package record holds the per-dataset refresh record: completion status,
// retry bookkeeping, the merge watermark and the next eligible refresh time.
//
// Every field is always present. A dataset that has never been refreshed
// reads as Default.
package record

import (
	"fmt"
	"time"
)

// Epoch is the default for every time field of a fresh record and the
// earliest date any dataset can start from.
var Epoch = time.Date(1990, 12, 19, 0, 0, 0, 0, time.UTC)

// NoMemo is the memo of a record without a pending error.
const NoMemo = "-"

// Record is the refresh state of one dataset. Time fields are naive wall
// clock values (UTC location). MaxIndex holds a value of the index column's
// kind (time.Time, string, int64 or float64) or nil.
type Record struct {
	Name          string    `json:"name"`
	Completed     bool      `json:"completed"`
	RetryTimes    int       `json:"retry_times"`
	IndexCol      string    `json:"index_col,omitempty"`
	MaxIndex      any       `json:"max_index"`
	CompletedTime time.Time `json:"completed_time"`
	Subset        []string  `json:"subset"`
	Freq          string    `json:"freq"`
	NextTime      time.Time `json:"next_time"`
	LastDate      time.Time `json:"last_date"`
	Memo          string    `json:"memo"`
	Rows          int64     `json:"rows"`
}

// Default returns the record of a dataset that has never been refreshed.
func Default(name string) Record {
	return Record{
		Name:          name,
		Memo:          NoMemo,
		CompletedTime: Epoch,
		NextTime:      Epoch,
		LastDate:      Epoch,
	}
}

// HasData reports whether rows have been persisted for the dataset.
func (r Record) HasData() bool { return r.Rows > 0 }

// Skip reasons returned by Eligible.
const (
	ReasonNotDue    = "not due"
	ReasonThrottled = "throttled"
)

// Eligible reports whether a cycle may start at now. A dataset is not due
// while NextTime is in the future, and is throttled when it completed less
// than throttle ago. A zero throttle disables throttling.
func (r Record) Eligible(now time.Time, throttle time.Duration) (bool, string) {
	if r.NextTime.After(now) {
		return false, ReasonNotDue
	}
	if throttle > 0 && r.Completed && now.Sub(r.CompletedTime) < throttle {
		return false, ReasonThrottled
	}
	return true, ""
}

// Start resets the attempt bookkeeping at the beginning of a cycle.
func (r *Record) Start() {
	r.Completed = false
	r.RetryTimes = 0
}

// Succeed records a successful attempt.
func (r *Record) Succeed(attempt int, now time.Time) {
	r.Completed = true
	r.Memo = NoMemo
	r.RetryTimes = attempt
	r.CompletedTime = now
}

// Fail records a failed attempt. The memo keeps only the last error.
func (r *Record) Fail(attempt int, err error, now time.Time) {
	r.Completed = false
	r.Memo = fmt.Sprintf("attempt %d: %v", attempt, err)
	r.RetryTimes = attempt
	r.CompletedTime = now
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Subset = append([]string(nil), r.Subset...)
	return r
}
