package server

import (
	"context"
	"sync"
	"sync/atomic"
)

// wsMicrophone feeds binary frames read from the browser into the audio
// graph. It may be started again after Close; each cluster lifetime gets a
// fresh channel.
type wsMicrophone struct {
	queue int

	mu      sync.Mutex
	frames  chan []byte
	dropped atomic.Int64
}

func newWSMicrophone(queue int) *wsMicrophone {
	if queue <= 0 {
		queue = 32
	}
	return &wsMicrophone{queue: queue}
}

func (m *wsMicrophone) Start(context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = make(chan []byte, m.queue)
	return m.frames, nil
}

// Close detaches the current channel. The graph stops reading it through
// its own context.
func (m *wsMicrophone) Close() error {
	m.mu.Lock()
	m.frames = nil
	m.mu.Unlock()
	return nil
}

// push never blocks the read loop; frames arriving with no cluster running
// or a full queue are dropped.
func (m *wsMicrophone) push(pcm []byte) bool {
	m.mu.Lock()
	frames := m.frames
	m.mu.Unlock()
	if frames == nil {
		return false
	}
	select {
	case frames <- pcm:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// wsSpeaker sends the master bus to the browser as binary frames on the
// normal queue.
type wsSpeaker struct {
	send    func(outboundFrame) bool
	dropped atomic.Int64
}

func (s *wsSpeaker) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if !s.send(outboundFrame{binary: append([]byte(nil), pcm...)}) {
		s.dropped.Add(1)
	}
	return nil
}

func (s *wsSpeaker) Close() error { return nil }
