package audio

import (
	"testing"
	"time"
)

func TestScheduler_GapFreeAndNeverBeforeClock(t *testing.T) {
	s := NewScheduler(OutputSampleRate)
	chunk := make([]int16, 2400) // 100ms

	arrivals := []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 500 * time.Millisecond, 510 * time.Millisecond}
	var prev *Source
	for i, now := range arrivals {
		src := s.Schedule(chunk, now)
		if src.Start < now {
			t.Fatalf("chunk %d start=%v before clock %v", i, src.Start, now)
		}
		if prev != nil && src.Start < prev.Start+prev.Duration {
			t.Fatalf("chunk %d start=%v overlaps previous end %v", i, src.Start, prev.Start+prev.Duration)
		}
		prev = src
	}
	// 0..300ms back to back, then a gap until the 500ms arrival.
	if prev.Start != 600*time.Millisecond {
		t.Fatalf("last start=%v, want 600ms", prev.Start)
	}
	if s.Cursor() != 700*time.Millisecond {
		t.Fatalf("cursor=%v, want 700ms", s.Cursor())
	}
}

func TestScheduler_InterruptStopsAllAndResetsCursor(t *testing.T) {
	s := NewScheduler(OutputSampleRate)
	chunk := make([]int16, 2400)
	srcs := []*Source{s.Schedule(chunk, 0), s.Schedule(chunk, 0), s.Schedule(chunk, 0)}

	if n := s.Interrupt(); n != 3 {
		t.Fatalf("stopped=%d, want 3", n)
	}
	for i, src := range srcs {
		if !src.Stopped() {
			t.Fatalf("source %d not stopped", i)
		}
	}
	if s.Cursor() != 0 || s.InFlight() != 0 {
		t.Fatalf("cursor=%v inflight=%d, want 0 0", s.Cursor(), s.InFlight())
	}

	next := s.Schedule(chunk, 50*time.Millisecond)
	if next.Start != 50*time.Millisecond {
		t.Fatalf("start after interrupt=%v, want clock 50ms", next.Start)
	}
}

func TestScheduler_RenderRetiresFinishedSources(t *testing.T) {
	s := NewScheduler(OutputSampleRate)
	chunk := make([]int16, 240) // 10ms
	for i := range chunk {
		chunk[i] = 1000
	}
	s.Schedule(chunk, 0)
	s.Schedule(chunk, 0)

	out, active, drained := s.Render(0, 15*time.Millisecond, 1)
	if !active || drained {
		t.Fatalf("active=%v drained=%v, want true false", active, drained)
	}
	if len(out) != 360 || out[0] != 1000 || out[359] != 1000 {
		t.Fatalf("len=%d first=%d last=%d", len(out), out[0], out[359])
	}
	if s.InFlight() != 1 {
		t.Fatalf("inflight=%d, want 1", s.InFlight())
	}

	out, active, drained = s.Render(15*time.Millisecond, 30*time.Millisecond, 0.5)
	if !active || !drained {
		t.Fatalf("active=%v drained=%v, want true true", active, drained)
	}
	if out[0] != 500 || out[len(out)-1] != 0 {
		t.Fatalf("first=%d last=%d, want 500 0", out[0], out[len(out)-1])
	}

	_, active, drained = s.Render(30*time.Millisecond, 40*time.Millisecond, 1)
	if active || drained {
		t.Fatalf("idle render active=%v drained=%v", active, drained)
	}
}
