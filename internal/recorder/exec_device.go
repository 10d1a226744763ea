package recorder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-accent/internal/config"
	"github.com/mattn/go-shellwords"
)

const (
	wavMediaType    = "audio/wav"
	execStopTimeout = 3 * time.Second
)

// ExecDevice captures audio from an external command's stdout, e.g.
// `ffmpeg -f pulse -i default -f webm -` or `arecord -f S16_LE -t raw`.
// The selected media type is exported to the command as ACCENT_MEDIA_TYPE.
// With raw PCM capture the device buffers samples and emits a single WAV
// chunk when stopped.
type ExecDevice struct {
	cmd         []string
	supported   map[string]struct{}
	defaultType string
	rawPCM      bool
	sampleRate  int
	channels    int

	mu   sync.Mutex
	held bool
}

func NewExecDevice(cfg config.RecorderConfig) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recorder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recorder command is empty")
	}
	set := make(map[string]struct{}, len(cfg.SupportedTypes))
	for _, t := range cfg.SupportedTypes {
		set[t] = struct{}{}
	}
	return &ExecDevice{
		cmd:         args,
		supported:   set,
		defaultType: cfg.DefaultMediaType,
		rawPCM:      cfg.RawPCM,
		sampleRate:  cfg.SampleRate,
		channels:    cfg.Channels,
	}, nil
}

func (d *ExecDevice) Supports(mediaType string) bool {
	if d.rawPCM {
		return mediaType == wavMediaType
	}
	_, ok := d.supported[mediaType]
	return ok
}

func (d *ExecDevice) DefaultMediaType() string {
	if d.rawPCM {
		return wavMediaType
	}
	return d.defaultType
}

func (d *ExecDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// A non-executable binary is a device fault, not a refused microphone.
	if _, err := exec.LookPath(d.cmd[0]); err != nil {
		return nil, fmt.Errorf("capture command unavailable: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held {
		return nil, ErrDeviceBusy
	}
	d.held = true
	return &execStream{device: d}, nil
}

func (d *ExecDevice) release() {
	d.mu.Lock()
	d.held = false
	d.mu.Unlock()
}

type execStream struct {
	device *ExecDevice

	mu       sync.Mutex
	command  *exec.Cmd
	stderr   bytes.Buffer
	pending  []byte
	onData   func([]byte)
	readDone chan struct{}
	tickStop chan struct{}
	tickDone chan struct{}
	stopped  bool
	released bool
}

func (s *execStream) Start(mediaType string, timeslice time.Duration, onData func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.command != nil {
		return fmt.Errorf("capture command already running")
	}

	args := s.device.cmd
	command := exec.Command(args[0], args[1:]...)
	command.Env = append(os.Environ(), "ACCENT_MEDIA_TYPE="+mediaType)
	command.Stderr = &s.stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return err
	}
	if err := command.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}

	s.command = command
	s.onData = onData
	s.readDone = make(chan struct{})
	s.tickStop = make(chan struct{})
	s.tickDone = make(chan struct{})
	go s.read(stdout)
	go s.tick(timeslice)
	return nil
}

func (s *execStream) read(stdout io.Reader) {
	defer close(s.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.pending = append(s.pending, buf[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *execStream) tick(timeslice time.Duration) {
	defer close(s.tickDone)
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-s.tickStop:
			return
		case <-ticker.C:
			if s.device.rawPCM {
				continue
			}
			if chunk := s.takePending(); len(chunk) > 0 {
				s.onData(chunk)
			}
		}
	}
}

func (s *execStream) takePending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk := s.pending
	s.pending = nil
	return chunk
}

func (s *execStream) Stop() error {
	s.mu.Lock()
	if s.command == nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	command := s.command
	s.mu.Unlock()

	// Interrupt first so encoders can finish the container.
	_ = command.Process.Signal(os.Interrupt)
	select {
	case <-s.readDone:
	case <-time.After(execStopTimeout):
		_ = command.Process.Kill()
		<-s.readDone
	}
	close(s.tickStop)
	<-s.tickDone
	// The exit status after an interrupt is not meaningful.
	_ = command.Wait()

	remaining := s.takePending()
	if s.device.rawPCM {
		if len(remaining) == 0 {
			return nil
		}
		encoded, err := encodeWAV(remaining, s.device.sampleRate, s.device.channels)
		if err != nil {
			return err
		}
		s.onData(encoded)
		return nil
	}
	if len(remaining) > 0 {
		s.onData(remaining)
	}
	return nil
}

func (s *execStream) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	command := s.command
	running := command != nil && !s.stopped
	s.stopped = true
	s.mu.Unlock()

	if running {
		_ = command.Process.Kill()
		<-s.readDone
		close(s.tickStop)
		<-s.tickDone
		_ = command.Wait()
	}
	s.device.release()
	return nil
}

// encodeWAV wraps little-endian 16-bit PCM in a WAV container.
func encodeWAV(pcm []byte, sampleRate int, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	file, err := os.CreateTemp("", "accent_capture_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(file)
}
