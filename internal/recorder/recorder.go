package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the capture lifecycle position.
type State int

const (
	StateIdle State = iota
	StateRequestingPermission
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingPermission:
		return "requesting_permission"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PreferredMediaTypes is tried in order at Start.
var PreferredMediaTypes = []string{
	"audio/webm",
	"audio/webm;codecs=opus",
	"audio/mp4",
	"audio/ogg",
	"audio/wav",
}

const (
	// DefaultTimeslice bounds how long captured data stays inside the device.
	DefaultTimeslice = 200 * time.Millisecond

	fallbackMediaType = "audio/webm"
)

// Artifact is a finalized recording.
type Artifact struct {
	Data      []byte
	MediaType string
	CreatedAt time.Time
	Duration  time.Duration
}

// NewArtifact wraps externally supplied audio, e.g. an upload.
func NewArtifact(data []byte, mediaType string) *Artifact {
	return &Artifact{Data: data, MediaType: mediaType, CreatedAt: time.Now().UTC()}
}

// Size is the byte length of the recording.
func (a *Artifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// Recorder drives one Device through Idle, RequestingPermission, Recording
// and Stopped. A Recorder is meant to be owned by a single session.
type Recorder struct {
	device    Device
	preferred []string
	timeslice time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	stream    Stream
	mediaType string
	startedAt time.Time
	artifact  *Artifact
	attempt   uint64

	chunkMu   sync.Mutex
	capturing bool
	chunks    [][]byte
}

type Option func(*Recorder)

// WithTimeslice overrides the chunk interval requested from the device.
func WithTimeslice(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeslice = d
		}
	}
}

// WithPreferredTypes overrides the media type preference list.
func WithPreferredTypes(types []string) Option {
	return func(r *Recorder) {
		if len(types) > 0 {
			r.preferred = append([]string(nil), types...)
		}
	}
}

func New(device Device, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		device:    device,
		preferred: PreferredMediaTypes,
		timeslice: DefaultTimeslice,
		logger:    logger.With(slog.String("component", "recorder")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MediaType is the encoding of the current or last capture.
func (r *Recorder) MediaType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mediaType
}

// Artifact returns the recording produced by the last Stop, or nil.
func (r *Recorder) Artifact() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

// Start acquires the microphone and begins capture. A previous artifact is
// superseded.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateRecording || r.state == StateRequestingPermission {
		r.mu.Unlock()
		return ErrDeviceBusy
	}
	r.artifact = nil
	r.state = StateRequestingPermission
	r.attempt++
	attempt := r.attempt
	r.mu.Unlock()

	// Open may block on a permission prompt; the lock is not held so Reset
	// stays responsive.
	stream, err := r.device.Open(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempt != attempt || r.state != StateRequestingPermission {
		if stream != nil {
			_ = stream.Release()
		}
		return ErrReset
	}
	if err != nil {
		r.state = StateIdle
		if errors.Is(err, ErrPermissionDenied) {
			r.logger.Warn("microphone permission denied")
			return err
		}
		return fmt.Errorf("open capture device: %w", err)
	}

	mediaType := r.selectMediaType()
	r.chunkMu.Lock()
	r.chunks = nil
	r.capturing = true
	r.chunkMu.Unlock()

	if err := stream.Start(mediaType, r.timeslice, r.appendChunk); err != nil {
		r.stopCapturing()
		_ = stream.Release()
		r.state = StateIdle
		return fmt.Errorf("start capture: %w", err)
	}

	r.stream = stream
	r.mediaType = mediaType
	r.startedAt = time.Now()
	r.state = StateRecording
	r.logger.Info("recording started", slog.String("media_type", mediaType), slog.Duration("timeslice", r.timeslice))
	return nil
}

func (r *Recorder) selectMediaType() string {
	for _, candidate := range r.preferred {
		if r.device.Supports(candidate) {
			return candidate
		}
	}
	if def := r.device.DefaultMediaType(); def != "" {
		return def
	}
	return fallbackMediaType
}

func (r *Recorder) appendChunk(data []byte) {
	if len(data) == 0 {
		return
	}
	r.chunkMu.Lock()
	defer r.chunkMu.Unlock()
	if !r.capturing {
		return
	}
	r.chunks = append(r.chunks, append([]byte(nil), data...))
}

func (r *Recorder) stopCapturing() [][]byte {
	r.chunkMu.Lock()
	defer r.chunkMu.Unlock()
	r.capturing = false
	chunks := r.chunks
	r.chunks = nil
	return chunks
}

// Stop finalizes the capture into an Artifact and releases the microphone.
// Outside Recording it does nothing and returns (nil, nil).
func (r *Recorder) Stop() (*Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return nil, nil
	}

	stopErr := r.stream.Stop()
	chunks := r.stopCapturing()
	releaseErr := r.stream.Release()
	r.stream = nil

	if stopErr != nil {
		r.state = StateIdle
		return nil, fmt.Errorf("stop capture: %w", errors.Join(stopErr, releaseErr))
	}
	if releaseErr != nil {
		r.logger.Warn("failed to release capture device", slogError(releaseErr))
	}

	data := bytes.Join(chunks, nil)
	if len(data) == 0 {
		r.state = StateIdle
		return nil, ErrNoAudio
	}

	r.artifact = &Artifact{
		Data:      data,
		MediaType: r.mediaType,
		CreatedAt: time.Now().UTC(),
		Duration:  time.Since(r.startedAt),
	}
	r.state = StateStopped
	r.logger.Info("recording stopped",
		slog.String("media_type", r.mediaType),
		slog.Int("bytes", len(data)),
		slog.Int("chunks", len(chunks)),
		slog.Duration("duration", r.artifact.Duration))
	return r.artifact, nil
}

// Reset returns to Idle from any state, stopping capture, releasing the
// microphone and dropping the artifact. Calling it repeatedly is harmless.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Recorder) resetLocked() {
	if r.stream != nil {
		if err := r.stream.Stop(); err != nil {
			r.logger.Warn("failed to stop capture during reset", slogError(err))
		}
		if err := r.stream.Release(); err != nil {
			r.logger.Warn("failed to release capture device", slogError(err))
		}
		r.stream = nil
	}
	r.stopCapturing()
	r.attempt++
	r.artifact = nil
	r.mediaType = ""
	r.state = StateIdle
}

// Close tears the recorder down when its owner goes away. The microphone is
// never left held.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording {
		r.logger.Info("releasing microphone on close")
	}
	r.resetLocked()
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
