package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/loqalabs/loqa-accent/internal/bus"
	"github.com/loqalabs/loqa-accent/internal/eventstore"
	"github.com/loqalabs/loqa-accent/internal/protocol"
	"github.com/loqalabs/loqa-accent/internal/recorder"
)

var (
	// ErrBusy is returned while an analysis is in flight.
	ErrBusy = errors.New("an analysis is already in progress")
	// ErrDiscarded is returned to the caller of an analysis that Reset cancelled.
	ErrDiscarded = errors.New("analysis discarded by reset")
)

// Analyzer is the pipeline a session hands finished recordings to.
type Analyzer interface {
	Analyze(ctx context.Context, artifact *recorder.Artifact) (analysis.Result, error)
}

// Session pairs one Recorder with the latest analysis outcome. At most one
// analysis runs at a time; a failed analysis keeps the recording so it can
// be retried.
type Session struct {
	id       string
	recorder *recorder.Recorder
	analyzer Analyzer
	bus      *bus.Client
	events   *eventstore.Store
	logger   *slog.Logger

	mu         sync.Mutex
	analyzing  bool
	generation uint64
	cancel     context.CancelFunc
	result     *analysis.Result
	lastErr    error
}

type Option func(*Session)

// WithBus publishes lifecycle events on the bus.
func WithBus(client *bus.Client) Option {
	return func(s *Session) { s.bus = client }
}

// WithEventStore records lifecycle events in the session timeline.
func WithEventStore(store *eventstore.Store) Option {
	return func(s *Session) { s.events = store }
}

func New(ctx context.Context, rec *recorder.Recorder, analyzer Analyzer, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		recorder: rec,
		analyzer: analyzer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With(slog.String("component", "session"), slog.String("session_id", s.id))
	if err := s.events.AppendSession(ctx, s.id); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Start begins a new recording. Any previous result is cleared.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.analyzing {
		s.mu.Unlock()
		return ErrBusy
	}
	s.result = nil
	s.lastErr = nil
	s.mu.Unlock()

	if err := s.recorder.Start(ctx); err != nil {
		if errors.Is(err, recorder.ErrPermissionDenied) {
			s.emit(ctx, protocol.SessionEvent{Type: protocol.EventPermissionDenied, Kind: ErrorKind(err)})
		}
		return err
	}
	s.emit(ctx, protocol.SessionEvent{Type: protocol.EventRecordingStarted, MediaType: s.recorder.MediaType()})
	return nil
}

// Stop finalizes the recording. Outside of an active recording it returns
// nil, nil.
func (s *Session) Stop(ctx context.Context) (*recorder.Artifact, error) {
	artifact, err := s.recorder.Stop()
	if err != nil {
		return nil, err
	}
	if artifact != nil {
		s.emit(ctx, protocol.SessionEvent{
			Type:      protocol.EventRecordingStopped,
			MediaType: artifact.MediaType,
			ByteCount: artifact.Size(),
			LatencyMS: artifact.Duration.Milliseconds(),
		})
	}
	return artifact, nil
}

// Reset discards the recording and any result. An in-flight analysis is
// cancelled and its outcome dropped.
func (s *Session) Reset(ctx context.Context) {
	s.mu.Lock()
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.analyzing = false
	s.result = nil
	s.lastErr = nil
	s.mu.Unlock()

	s.recorder.Reset()
	s.emit(ctx, protocol.SessionEvent{Type: protocol.EventRecordingReset})
}

// Analyze runs the pipeline over the current recording.
func (s *Session) Analyze(ctx context.Context) (analysis.Result, error) {
	s.mu.Lock()
	if s.analyzing {
		s.mu.Unlock()
		return analysis.Result{}, ErrBusy
	}
	artifact := s.recorder.Artifact()
	ctx, cancel := context.WithCancel(ctx)
	s.analyzing = true
	s.cancel = cancel
	s.lastErr = nil
	generation := s.generation
	s.mu.Unlock()
	defer cancel()

	s.emit(ctx, protocol.SessionEvent{Type: protocol.EventAnalysisStarted, MediaType: mediaTypeOf(artifact), ByteCount: artifact.Size()})
	start := time.Now()
	result, err := s.analyzer.Analyze(ctx, artifact)
	latency := time.Since(start).Milliseconds()

	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		s.logger.Info("analysis result discarded after reset")
		return analysis.Result{}, ErrDiscarded
	}
	s.analyzing = false
	s.cancel = nil
	if err != nil {
		s.lastErr = err
	} else {
		s.result = &result
	}
	s.mu.Unlock()

	// Events outlive the request that triggered them.
	evtCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.emit(evtCtx, protocol.SessionEvent{Type: protocol.EventAnalysisFailed, Kind: ErrorKind(err), LatencyMS: latency})
		return analysis.Result{}, err
	}
	s.emit(evtCtx, protocol.SessionEvent{Type: protocol.EventAnalysisCompleted, ByteCount: artifact.Size(), LatencyMS: latency})
	return result, nil
}

// Audio returns the current recording for playback, or nil.
func (s *Session) Audio() *recorder.Artifact {
	return s.recorder.Artifact()
}

// Events returns up to limit entries of this session's timeline, oldest
// first. An ephemeral store yields none.
func (s *Session) Events(ctx context.Context, limit int) ([]eventstore.Event, error) {
	return s.events.ListSessionEvents(ctx, s.id, limit)
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	ID         string           `json:"id"`
	State      string           `json:"state"`
	MediaType  string           `json:"media_type,omitempty"`
	Analyzing  bool             `json:"analyzing"`
	AudioBytes int              `json:"audio_bytes"`
	Result     *analysis.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact := s.recorder.Artifact()
	snap := Snapshot{
		ID:         s.id,
		State:      s.recorder.State().String(),
		MediaType:  s.recorder.MediaType(),
		Analyzing:  s.analyzing,
		AudioBytes: artifact.Size(),
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
		snap.ErrorKind = ErrorKind(s.lastErr)
	}
	return snap
}

// Close cancels outstanding work and releases the capture device.
func (s *Session) Close() error {
	s.mu.Lock()
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.analyzing = false
	s.mu.Unlock()
	return s.recorder.Close()
}

// ErrorKind maps an error from any session operation to a stable
// machine-readable kind.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, recorder.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, recorder.ErrDeviceBusy):
		return "device_busy"
	case errors.Is(err, recorder.ErrNoAudio):
		return "no_audio"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrDiscarded), errors.Is(err, recorder.ErrReset):
		return "reset"
	}
	if kind := analysis.KindOf(err); kind != "" {
		return string(kind)
	}
	return "internal"
}

func (s *Session) emit(ctx context.Context, event protocol.SessionEvent) {
	event.SessionID = s.id
	event.State = s.recorder.State().String()
	event.Timestamp = time.Now().UTC()
	if err := s.bus.Publish(protocol.SessionSubject(event.Type), event); err != nil {
		s.logger.Warn("failed to publish session event", slog.String("type", event.Type), slogError(err))
	}
	if err := s.events.AppendEvent(ctx, eventstore.Event{
		SessionID: s.id,
		Type:      event.Type,
		State:     event.State,
		MediaType: event.MediaType,
		ByteCount: event.ByteCount,
		Kind:      event.Kind,
		LatencyMS: event.LatencyMS,
		CreatedAt: event.Timestamp,
	}); err != nil {
		s.logger.Warn("failed to record session event", slog.String("type", event.Type), slogError(err))
	}
}

func mediaTypeOf(artifact *recorder.Artifact) string {
	if artifact == nil {
		return ""
	}
	return artifact.MediaType
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
