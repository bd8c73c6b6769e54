package audio

import "sync"

// LevelKind selects which analyser Graph.Level reads.
type LevelKind string

const (
	LevelInput  LevelKind = "input"
	LevelOutput LevelKind = "output"

	analyserWindow = 64
	maxLevel       = 1.2
)

// Analyser tracks the most recent window of samples on a bus for metering.
type Analyser struct {
	mu     sync.Mutex
	window [analyserWindow]int16
	pos    int
	filled int
}

func (a *Analyser) Write(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) > analyserWindow {
		samples = samples[len(samples)-analyserWindow:]
	}
	for _, s := range samples {
		a.window[a.pos] = s
		a.pos = (a.pos + 1) % analyserWindow
		if a.filled < analyserWindow {
			a.filled++
		}
	}
}

func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos = 0
	a.filled = 0
}

// meanMagnitude is the average absolute amplitude scaled to the 0..255 byte
// range the browser analyser reports.
func (a *Analyser) meanMagnitude() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < a.filled; i++ {
		v := float64(a.window[i])
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(a.filled) / 32768.0 * 255.0
}

// Level returns the normalized 0..1.2 presentation level for kind.
func (a *Analyser) Level(kind LevelKind) float64 {
	avg := a.meanMagnitude()
	var level float64
	switch kind {
	case LevelInput:
		level = (avg / 100) * 0.8
	default:
		level = avg / 128
	}
	return min(level, maxLevel)
}
