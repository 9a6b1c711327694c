package record

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	// WHAT: A fresh record has typed defaults and no data.
	r := Default("stock/000001")
	if r.Memo != NoMemo || r.Completed || r.HasData() {
		t.Errorf("unexpected default: %+v", r)
	}
	if !r.NextTime.Equal(Epoch) || !r.LastDate.Equal(Epoch) || !r.CompletedTime.Equal(Epoch) {
		t.Errorf("times not at epoch: %+v", r)
	}
	if r.MaxIndex != nil {
		t.Errorf("max_index = %v", r.MaxIndex)
	}
}

func TestEligible(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		mut    func(*Record)
		ok     bool
		reason string
	}{
		{"fresh", func(*Record) {}, true, ""},
		{"future next_time", func(r *Record) { r.NextTime = now.Add(time.Hour) }, false, ReasonNotDue},
		{"recently completed", func(r *Record) {
			r.Completed = true
			r.CompletedTime = now.Add(-2 * time.Hour)
		}, false, ReasonThrottled},
		{"completed long ago", func(r *Record) {
			r.Completed = true
			r.CompletedTime = now.Add(-13 * time.Hour)
		}, true, ""},
		{"recent failure is not throttled", func(r *Record) {
			r.CompletedTime = now.Add(-time.Minute)
		}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Default("x")
			tt.mut(&r)
			ok, reason := r.Eligible(now, 12*time.Hour)
			if ok != tt.ok || reason != tt.reason {
				t.Errorf("Eligible = %v %q, want %v %q", ok, reason, tt.ok, tt.reason)
			}
		})
	}
}

func TestAttemptBookkeeping(t *testing.T) {
	// WHAT: Fail stores the error text and attempt count, Succeed clears the memo.
	// WHY: A failed cycle must leave a durable trace of why it failed.
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := Default("x")
	r.Start()
	r.Fail(1, errors.New("timeout"), now)
	r.Fail(2, errors.New("reset by peer"), now)
	if r.Completed || r.RetryTimes != 2 || !strings.Contains(r.Memo, "attempt 2: reset by peer") {
		t.Errorf("after failures: %+v", r)
	}
	r.Succeed(3, now)
	if !r.Completed || r.RetryTimes != 3 || r.Memo != NoMemo {
		t.Errorf("after success: %+v", r)
	}
}

func TestClone(t *testing.T) {
	r := Default("x")
	r.Subset = []string{"a"}
	c := r.Clone()
	c.Subset[0] = "b"
	if r.Subset[0] != "a" {
		t.Error("Clone shares the subset slice")
	}
}
