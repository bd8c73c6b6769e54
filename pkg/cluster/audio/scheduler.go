package audio

import "time"

// Source is one scheduled chunk on an agent's output node.
type Source struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration

	startSample int64
	samples     []int16
	stopped     bool
}

func (s *Source) End() time.Duration { return s.Start + s.Duration }

func (s *Source) Stopped() bool { return s.stopped }

func (s *Source) endSample() int64 { return s.startSample + int64(len(s.samples)) }

// Scheduler keeps one agent's playback cursor and its in-flight sources.
// Chunks are laid end to end, never earlier than the audio clock. It is not
// safe for concurrent use; Graph serializes access.
type Scheduler struct {
	rate         int
	cursorSample int64
	sources      []*Source
	nextID       uint64
}

func NewScheduler(rate int) *Scheduler {
	if rate <= 0 {
		rate = OutputSampleRate
	}
	return &Scheduler{rate: rate}
}

// Schedule places samples at max(cursor, now) and advances the cursor by
// their duration.
func (s *Scheduler) Schedule(samples []int16, now time.Duration) *Source {
	start := max(s.cursorSample, durationToSamples(now, s.rate))
	s.nextID++
	src := &Source{
		ID:          s.nextID,
		Start:       samplesToDuration(start, s.rate),
		Duration:    samplesToDuration(int64(len(samples)), s.rate),
		startSample: start,
		samples:     samples,
	}
	s.cursorSample = start + int64(len(samples))
	s.sources = append(s.sources, src)
	return src
}

// Interrupt stops every in-flight source and resets the cursor to zero.
func (s *Scheduler) Interrupt() int {
	n := len(s.sources)
	for _, src := range s.sources {
		src.stopped = true
	}
	s.sources = nil
	s.cursorSample = 0
	return n
}

func (s *Scheduler) Cursor() time.Duration { return samplesToDuration(s.cursorSample, s.rate) }

func (s *Scheduler) InFlight() int { return len(s.sources) }

// Render sums every source overlapping [from, to) into a fresh buffer and
// retires sources that end by to. active reports whether any source sounded
// in the window; drained reports that the last in-flight source just ended.
func (s *Scheduler) Render(from, to time.Duration, gain float64) (out []int16, active, drained bool) {
	fromSample := durationToSamples(from, s.rate)
	toSample := durationToSamples(to, s.rate)
	if toSample <= fromSample {
		return nil, false, false
	}
	had := len(s.sources) > 0
	out = make([]int16, toSample-fromSample)
	kept := s.sources[:0]
	for _, src := range s.sources {
		lo := max(src.startSample, fromSample)
		hi := min(src.endSample(), toSample)
		if hi > lo {
			active = true
			for i := lo; i < hi; i++ {
				v := float64(src.samples[i-src.startSample]) * gain
				out[i-fromSample] = clip16(int32(out[i-fromSample]) + int32(v))
			}
		}
		if src.endSample() > toSample {
			kept = append(kept, src)
		}
	}
	for i := len(kept); i < len(s.sources); i++ {
		s.sources[i] = nil
	}
	s.sources = kept
	return out, active, had && len(s.sources) == 0
}
