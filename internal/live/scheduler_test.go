package live

import (
	"testing"
	"time"
)

type manualClock struct{ now time.Duration }

func (c *manualClock) read() time.Duration { return c.now }

func TestPlaybackSchedulerGapless(t *testing.T) {
	clock := &manualClock{}
	s := newPlaybackScheduler(clock.read)

	durations := []time.Duration{300 * time.Millisecond, 120 * time.Millisecond, 450 * time.Millisecond}
	arrivals := []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond}

	var got []ScheduledSource
	for i, d := range durations {
		clock.now = arrivals[i]
		got = append(got, s.Schedule(d))
	}

	if got[0].Start != 0 {
		t.Fatalf("first chunk should start immediately, got %v", got[0].Start)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Start != got[i-1].Start+durations[i-1] {
			t.Fatalf("chunk %d starts at %v, want %v", i, got[i].Start, got[i-1].Start+durations[i-1])
		}
	}
	if pending := s.Pending(); len(pending) != 3 {
		t.Fatalf("expected 3 pending sources, got %d", len(pending))
	}
}

func TestPlaybackSchedulerLateChunkStartsNow(t *testing.T) {
	clock := &manualClock{}
	s := newPlaybackScheduler(clock.read)

	s.Schedule(100 * time.Millisecond)
	clock.now = time.Second
	src := s.Schedule(200 * time.Millisecond)
	if src.Start != time.Second {
		t.Fatalf("chunk after an idle gap should start at now, got %v", src.Start)
	}
	if pending := s.Pending(); len(pending) != 1 || pending[0].ID != src.ID {
		t.Fatalf("finished sources should be pruned, got %+v", pending)
	}
}

func TestPlaybackSchedulerInterrupt(t *testing.T) {
	clock := &manualClock{now: 2 * time.Second}
	s := newPlaybackScheduler(clock.read)

	first := s.Schedule(time.Second)
	second := s.Schedule(time.Second)

	stopped := s.Interrupt()
	if len(stopped) != 2 || stopped[0].ID != first.ID || stopped[1].ID != second.ID {
		t.Fatalf("expected both sources stopped in order, got %+v", stopped)
	}
	if pending := s.Pending(); len(pending) != 0 {
		t.Fatalf("no source may survive an interruption, got %+v", pending)
	}

	// The timeline restarts from the current clock instead of the old tail.
	next := s.Schedule(500 * time.Millisecond)
	if next.Start != clock.now {
		t.Fatalf("expected start %v after interrupt, got %v", clock.now, next.Start)
	}
}

func TestPlaybackSchedulerEnded(t *testing.T) {
	s := newPlaybackScheduler((&manualClock{}).read)
	src := s.Schedule(time.Second)
	s.Ended(src.ID)
	if len(s.Pending()) != 0 {
		t.Fatal("ended source should be untracked")
	}
}
