package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/refresh"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
)

type fakeRefresher struct {
	mu      sync.Mutex
	due     []registry.Key
	dueErr  error
	batches [][]registry.Key
}

func (f *fakeRefresher) Due(context.Context) ([]registry.Key, error) {
	return f.due, f.dueErr
}

func (f *fakeRefresher) RefreshBatch(_ context.Context, keys []registry.Key, _ ...refresh.RunOption) refresh.BatchReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, keys)
	out := make([]refresh.Outcome, len(keys))
	for i, k := range keys {
		out[i] = refresh.Outcome{Key: k, State: refresh.StateCommitted}
	}
	return refresh.BatchReport{Outcomes: out}
}

func TestTickRefreshesDueDatasets(t *testing.T) {
	// WHAT: A tick runs one batch over exactly the due datasets.
	// WHY: Core scheduling loop.
	r := &fakeRefresher{due: []registry.Key{{Category: "quotes", Sub: "000001"}, {Category: "listing"}}}
	s := New(r, nil, Config{}, nil)

	rep := s.tick(context.Background())
	if rep.Count(refresh.StateCommitted) != 2 {
		t.Errorf("report = %+v", rep)
	}
	if len(r.batches) != 1 || len(r.batches[0]) != 2 {
		t.Errorf("batches = %v", r.batches)
	}
}

func TestTickNothingDue(t *testing.T) {
	r := &fakeRefresher{}
	New(r, nil, Config{}, nil).tick(context.Background())
	if len(r.batches) != 0 {
		t.Errorf("batch ran with nothing due: %v", r.batches)
	}

	r.dueErr = errors.New("disk gone")
	r.due = []registry.Key{{Category: "x"}}
	New(r, nil, Config{}, nil).tick(context.Background())
	if len(r.batches) != 0 {
		t.Error("batch ran after Due failed")
	}
}

func TestPruneCycles(t *testing.T) {
	// WHAT: With a retention, each tick prunes the cycle log before the batch.
	var cutoffs []int64
	prune := func(_ context.Context, cutoff int64) (int64, error) {
		cutoffs = append(cutoffs, cutoff)
		return 3, nil
	}
	now := time.Date(2024, 3, 6, 20, 0, 0, 0, time.UTC)

	s := New(&fakeRefresher{}, prune, Config{CycleRetention: 24 * time.Hour}, nil)
	s.now = func() time.Time { return now }
	s.tick(context.Background())
	if len(cutoffs) != 1 || cutoffs[0] != now.Add(-24*time.Hour).UnixMilli() {
		t.Errorf("cutoffs = %v", cutoffs)
	}

	s = New(&fakeRefresher{}, prune, Config{}, nil)
	s.tick(context.Background())
	if len(cutoffs) != 1 {
		t.Error("pruned without a retention")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := &fakeRefresher{due: []registry.Key{{Category: "listing"}}}
	s := New(r, nil, Config{CheckInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		n := len(r.batches)
		r.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no immediate tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
