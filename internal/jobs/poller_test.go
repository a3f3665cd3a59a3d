package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/omnistudio/backend/internal/models"
)

type statusStep struct {
	payload StatusPayload
	err     error
}

type sequenceFetcher struct {
	mu    sync.Mutex
	steps []statusStep
	calls int
}

func (f *sequenceFetcher) Status(_ context.Context, _ string) (StatusPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	return f.steps[idx].payload, f.steps[idx].err
}

func (f *sequenceFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	now    time.Time
	delays []time.Duration
}

func newTestPoller(fetcher StatusFetcher, cfg PollerConfig) (*Poller, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)}
	p := NewPoller(fetcher, cfg)
	p.now = func() time.Time { return clock.now }
	p.wait = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clock.delays = append(clock.delays, d)
		clock.now = clock.now.Add(d)
		return nil
	}
	return p, clock
}

func resultString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestPollerEndToEndCompletes(t *testing.T) {
	fetcher := &sequenceFetcher{steps: []statusStep{
		{payload: StatusPayload{Status: 1, Percentage: 10}},
		{payload: StatusPayload{Status: 1, Percentage: 55}},
		{payload: StatusPayload{Status: 2, Percentage: 100, GenerateResult: resultString("https://cdn.x/v.mp4")}},
	}}
	poller, clock := newTestPoller(fetcher, PollerConfig{Interval: 4 * time.Second})

	var updates []Update
	final := poller.Run(context.Background(), "job-1", func(u Update) { updates = append(updates, u) })

	if final.State != models.JobCompleted || final.ResultURL != "https://cdn.x/v.mp4" {
		t.Fatalf("unexpected final update: %+v", final)
	}

	wantStates := []models.JobState{models.JobSubmitted, models.JobProcessing, models.JobProcessing, models.JobCompleted}
	if len(updates) != len(wantStates) {
		t.Fatalf("expected %d updates, got %+v", len(wantStates), updates)
	}
	for i, state := range wantStates {
		if updates[i].State != state {
			t.Fatalf("update %d: expected %s got %s", i, state, updates[i].State)
		}
	}
	if updates[1].Progress != 10 || updates[2].Progress != 55 || updates[3].Progress != 100 {
		t.Fatalf("unexpected progress sequence: %+v", updates)
	}

	completed := 0
	for _, u := range updates {
		if u.State == models.JobCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("completed reported %d times", completed)
	}

	if fetcher.callCount() != 3 {
		t.Fatalf("polling must stop after the terminal status, calls=%d", fetcher.callCount())
	}
	for _, d := range clock.delays {
		if d != 4*time.Second {
			t.Fatalf("expected fixed 4s interval, got %v", clock.delays)
		}
	}
}

func TestPollerFailedStatusStops(t *testing.T) {
	fetcher := &sequenceFetcher{steps: []statusStep{
		{payload: StatusPayload{Status: 1, Percentage: 20}},
		{payload: StatusPayload{Status: 3, ErrorMessage: "content policy"}},
	}}
	poller, _ := newTestPoller(fetcher, PollerConfig{})

	final := poller.Run(context.Background(), "job-2", nil)
	if final.State != models.JobFailed || !errors.Is(final.Err, ErrJobFailed) {
		t.Fatalf("expected failed outcome, got %+v", final)
	}
	if fetcher.callCount() != 2 {
		t.Fatalf("expected 2 polls, got %d", fetcher.callCount())
	}
}

func TestPollerLinkMissingIsDistinctFromFailure(t *testing.T) {
	fetcher := &sequenceFetcher{steps: []statusStep{
		{payload: StatusPayload{Status: 2, Percentage: 100, GenerateResult: resultString("done")}},
	}}
	poller, _ := newTestPoller(fetcher, PollerConfig{})

	final := poller.Run(context.Background(), "job-3", nil)
	if final.State != models.JobLinkMissing || !errors.Is(final.Err, ErrResultNotFound) {
		t.Fatalf("expected link_missing, got %+v", final)
	}
	if errors.Is(final.Err, ErrJobFailed) {
		t.Fatal("link_missing must not be reported as job failure")
	}
}

func TestPollerBacksOffAndRecovers(t *testing.T) {
	transport := errors.New("connection reset")
	fetcher := &sequenceFetcher{steps: []statusStep{
		{err: transport},
		{err: transport},
		{err: transport},
		{err: transport},
		{payload: StatusPayload{Status: 1, Percentage: 30}},
		{payload: StatusPayload{Status: 2, GeneratedVideo: []models.GeneratedVideo{{VideoURI: "https://cdn/v.mp4"}}}},
	}}
	poller, clock := newTestPoller(fetcher, PollerConfig{
		Interval:      4 * time.Second,
		ErrorInterval: 5 * time.Second,
		MaxBackoff:    15 * time.Second,
	})

	var states []models.JobState
	final := poller.Run(context.Background(), "job-4", func(u Update) { states = append(states, u.State) })
	if final.State != models.JobCompleted || final.ResultURL != "https://cdn/v.mp4" {
		t.Fatalf("unexpected final: %+v", final)
	}

	wantDelays := []time.Duration{4 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second, 15 * time.Second, 4 * time.Second}
	if len(clock.delays) != len(wantDelays) {
		t.Fatalf("expected delays %v, got %v", wantDelays, clock.delays)
	}
	for i := range wantDelays {
		if clock.delays[i] != wantDelays[i] {
			t.Fatalf("expected delays %v, got %v", wantDelays, clock.delays)
		}
	}

	want := []models.JobState{models.JobSubmitted, models.JobBackingOff, models.JobProcessing, models.JobCompleted}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
}

func TestPollerNeverStopsOnProcessingUntilBudget(t *testing.T) {
	fetcher := &sequenceFetcher{steps: []statusStep{{payload: StatusPayload{Status: 1, Percentage: 5}}}}
	poller, _ := newTestPoller(fetcher, PollerConfig{Interval: time.Minute, Budget: 10 * time.Minute})

	final := poller.Run(context.Background(), "job-5", nil)
	if final.State != models.JobTimedOut || !errors.Is(final.Err, ErrTimedOut) {
		t.Fatalf("expected timed_out, got %+v", final)
	}
	if calls := fetcher.callCount(); calls != 9 {
		t.Fatalf("expected 9 polls within the budget, got %d", calls)
	}
}

func TestPollerCanceled(t *testing.T) {
	fetcher := &sequenceFetcher{steps: []statusStep{{payload: StatusPayload{Status: 1}}}}
	poller, _ := newTestPoller(fetcher, PollerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	var terminal int
	poller.wait = func(ctx context.Context, d time.Duration) error {
		if fetcher.callCount() == 2 {
			cancel()
		}
		return ctx.Err()
	}

	final := poller.Run(ctx, "job-6", func(u Update) {
		if u.State.Terminal() {
			terminal++
		}
	})
	if final.State != models.JobCanceled {
		t.Fatalf("expected canceled, got %+v", final)
	}
	if terminal != 1 {
		t.Fatalf("terminal update delivered %d times", terminal)
	}
	if fetcher.callCount() != 2 {
		t.Fatalf("expected no polls after cancel, got %d", fetcher.callCount())
	}
}

func TestPollerRealTimers(t *testing.T) {
	fetcher := &sequenceFetcher{steps: []statusStep{
		{payload: StatusPayload{Status: 1, Percentage: 50}},
		{payload: StatusPayload{Status: 2, GenerateResult: resultString("https://cdn/r.mp4")}},
	}}
	poller := NewPoller(fetcher, PollerConfig{Interval: time.Millisecond, ErrorInterval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final := poller.Run(ctx, "job-7", nil)
	if final.State != models.JobCompleted {
		t.Fatalf("expected completed, got %+v", final)
	}
}
