package audio

import (
	"context"
	"errors"
)

var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Microphone delivers 16 kHz mono PCM16 chunks of any size until ctx ends or
// the device closes the channel.
type Microphone interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// Speaker consumes 24 kHz mono PCM16 from the master bus.
type Speaker interface {
	Write(pcm []byte) error
	Close() error
}

// FrameSink receives one mixed FrameSamples-long frame bound for an agent.
// It must not block.
type FrameSink func(frame []byte)
