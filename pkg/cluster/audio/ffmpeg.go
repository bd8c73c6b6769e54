package audio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// FFmpegMicrophone captures the local microphone through an ffmpeg
// subprocess writing raw s16le mono at InputSampleRate to stdout.
type FFmpegMicrophone struct {
	Path string
	// InputFormat is the ffmpeg demuxer; defaults to avfoundation on macOS,
	// pulse elsewhere.
	InputFormat string
	// Device is the ffmpeg input. For avfoundation a bare index N becomes
	// "none:N" so no camera is opened.
	Device string
	// Command, when set, replaces ffmpeg with a shell pipeline that writes
	// the same raw stream.
	Command string
	Logger  zerolog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (m *FFmpegMicrophone) args() []string {
	format := strings.TrimSpace(m.InputFormat)
	if format == "" {
		format = "pulse"
		if runtime.GOOS == "darwin" {
			format = "avfoundation"
		}
	}
	device := strings.TrimSpace(m.Device)
	if device == "" {
		device = "default"
		if format == "avfoundation" {
			device = "0"
		}
	}
	if format == "avfoundation" && !strings.Contains(device, ":") {
		device = "none:" + device
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", format,
		"-i", device,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", InputSampleRate),
		"-f", "s16le",
		"-",
	}
}

func (m *FFmpegMicrophone) Start(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return nil, fmt.Errorf("microphone already started")
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(m.Command) != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-lc", m.Command)
	} else {
		path := strings.TrimSpace(m.Path)
		if path == "" {
			path = "ffmpeg"
		}
		if _, err := exec.LookPath(path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		cmd = exec.CommandContext(ctx, path, m.args()...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start capture: %v", ErrDeviceUnavailable, err)
	}
	m.cmd = cmd

	if stderr != nil {
		go m.logStderr(stderr)
	}
	frames := make(chan []byte, 32)
	go func() {
		defer close(frames)
		reader := bufio.NewReaderSize(stdout, 64*1024)
		for {
			buf := make([]byte, 8192)
			n, err := io.ReadAtLeast(reader, buf, 2)
			if n > 0 {
				// keep whole samples
				n -= n % 2
				select {
				case frames <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if ctx.Err() == nil {
					m.Logger.Warn().Err(err).Msg("microphone capture ended")
				}
				return
			}
		}
	}()
	return frames, nil
}

func (m *FFmpegMicrophone) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// avfoundation prints a harmless warning when the device is opened
		// without a video stream.
		if strings.Contains(line, "Overriding aspect ratio") {
			continue
		}
		m.Logger.Warn().Str("ffmpeg", line).Msg("microphone stderr")
	}
}

func (m *FFmpegMicrophone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	_ = m.cmd.Process.Kill()
	_, _ = m.cmd.Process.Wait()
	m.cmd = nil
	return nil
}

// FFPlaySpeaker plays the master bus through an ffplay subprocess reading
// raw s16le mono at OutputSampleRate from stdin.
type FFPlaySpeaker struct {
	Path     string
	LogLevel string
	Volume   int
	Logger   zerolog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (s *FFPlaySpeaker) args() []string {
	logLevel := strings.TrimSpace(s.LogLevel)
	if logLevel == "" {
		logLevel = "error"
	}
	volume := s.Volume
	if volume <= 0 {
		volume = 80
	}
	// ffplay does not accept ffmpeg-style `-ac`; use `-ch_layout mono`.
	return []string{
		"-hide_banner",
		"-loglevel", logLevel,
		"-nostats",
		"-volume", fmt.Sprintf("%d", volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", OutputSampleRate),
		"-i", "-",
	}
}

// Start launches ffplay. Write also starts it lazily.
func (s *FFPlaySpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *FFPlaySpeaker) startLocked() error {
	if s.cmd != nil && s.cmd.Process != nil {
		return nil
	}
	path := strings.TrimSpace(s.Path)
	if path == "" {
		path = "ffplay"
	}
	cmd := exec.Command(path, s.args()...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can pick a dummy backend with no sound on macOS.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("%w: start ffplay: %v", ErrDeviceUnavailable, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *FFPlaySpeaker) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	s.mu.Lock()
	if err := s.startLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	stdin := s.stdin
	s.mu.Unlock()
	_, err := stdin.Write(p)
	return err
}

func (s *FFPlaySpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
	return nil
}
