package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/loqalabs/loqa-accent/internal/config"
	"github.com/loqalabs/loqa-accent/internal/eventstore"
	"github.com/loqalabs/loqa-accent/internal/protocol"
	"github.com/loqalabs/loqa-accent/internal/recorder"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type analyzerFunc func(ctx context.Context, artifact *recorder.Artifact) (analysis.Result, error)

func (f analyzerFunc) Analyze(ctx context.Context, artifact *recorder.Artifact) (analysis.Result, error) {
	return f(ctx, artifact)
}

func newSession(t *testing.T, analyzer Analyzer, opts ...Option) (*Session, *recorder.MockDevice) {
	t.Helper()
	device := recorder.NewMockDevice([]string{"audio/webm"}, "audio/webm")
	rec := recorder.New(device, newLogger(), recorder.WithTimeslice(5*time.Millisecond))
	s := New(context.Background(), rec, analyzer, newLogger(), opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, device
}

func record(t *testing.T, s *Session) *recorder.Artifact {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	artifact, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if artifact.Size() == 0 {
		t.Fatalf("expected audio")
	}
	return artifact
}

func TestRecordAndAnalyze(t *testing.T) {
	var got *recorder.Artifact
	s, _ := newSession(t, analyzerFunc(func(_ context.Context, artifact *recorder.Artifact) (analysis.Result, error) {
		got = artifact
		return analysis.Result{Transcription: "hello", Analysis: "report"}, nil
	}))
	if s.ID() == "" {
		t.Fatalf("expected session id")
	}

	artifact := record(t, s)
	result, err := s.Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got != artifact {
		t.Fatalf("analyzer did not receive the recorded artifact")
	}
	if result.Transcription != "hello" {
		t.Fatalf("unexpected result %+v", result)
	}

	snap := s.Snapshot()
	if snap.State != "stopped" || snap.Analyzing || snap.Result == nil || snap.Result.Analysis != "report" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.AudioBytes != artifact.Size() || snap.MediaType != "audio/webm" {
		t.Fatalf("unexpected audio in snapshot %+v", snap)
	}
}

func TestFailedAnalysisKeepsRecording(t *testing.T) {
	s, _ := newSession(t, analyzerFunc(func(context.Context, *recorder.Artifact) (analysis.Result, error) {
		return analysis.Result{}, analysis.ErrTranscriptionFailed
	}))
	record(t, s)

	_, err := s.Analyze(context.Background())
	if !errors.Is(err, analysis.ErrTranscriptionFailed) {
		t.Fatalf("expected transcription failure, got %v", err)
	}
	if s.Audio() == nil {
		t.Fatalf("recording must survive a failed analysis")
	}
	snap := s.Snapshot()
	if snap.ErrorKind != "transcription_failed" || snap.Result != nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestStartClearsPreviousResult(t *testing.T) {
	s, _ := newSession(t, analyzerFunc(func(context.Context, *recorder.Artifact) (analysis.Result, error) {
		return analysis.Result{Transcription: "a", Analysis: "b"}, nil
	}))
	record(t, s)
	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if snap := s.Snapshot(); snap.Result != nil || snap.State != "recording" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestConcurrentAnalyzeIsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s, _ := newSession(t, analyzerFunc(func(context.Context, *recorder.Artifact) (analysis.Result, error) {
		close(entered)
		<-release
		return analysis.Result{Transcription: "t", Analysis: "a"}, nil
	}))
	record(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := s.Analyze(context.Background())
		done <- err
	}()
	<-entered

	if _, err := s.Analyze(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected start to be rejected while analyzing, got %v", err)
	}
	if !s.Snapshot().Analyzing {
		t.Fatalf("expected analyzing flag")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first analysis: %v", err)
	}
}

func TestResetDiscardsInFlightAnalysis(t *testing.T) {
	entered := make(chan struct{})
	s, _ := newSession(t, analyzerFunc(func(ctx context.Context, _ *recorder.Artifact) (analysis.Result, error) {
		close(entered)
		<-ctx.Done()
		return analysis.Result{Transcription: "late", Analysis: "late"}, nil
	}))
	record(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := s.Analyze(context.Background())
		done <- err
	}()
	<-entered
	s.Reset(context.Background())

	select {
	case err := <-done:
		if !errors.Is(err, ErrDiscarded) {
			t.Fatalf("expected ErrDiscarded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("analysis was not cancelled by reset")
	}
	snap := s.Snapshot()
	if snap.Result != nil || snap.Error != "" || snap.AudioBytes != 0 || snap.State != "idle" {
		t.Fatalf("reset left state behind: %+v", snap)
	}
}

func TestPermissionDenied(t *testing.T) {
	s, device := newSession(t, analyzerFunc(func(context.Context, *recorder.Artifact) (analysis.Result, error) {
		return analysis.Result{}, nil
	}))
	device.Deny(true)
	err := s.Start(context.Background())
	if !errors.Is(err, recorder.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if ErrorKind(err) != "permission_denied" {
		t.Fatalf("unexpected kind %q", ErrorKind(err))
	}
	if s.Snapshot().State != "idle" {
		t.Fatalf("expected idle after denial")
	}
}

func TestAnalyzeWithoutRecording(t *testing.T) {
	o, err := analysis.New(stubTranscriber{}, stubCompleter{}, newLogger())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	s, _ := newSession(t, o)
	_, err = s.Analyze(context.Background())
	if ErrorKind(err) != "invalid_input" {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, analysis.TranscriptionRequest) (string, error) {
	return "text", nil
}

type stubCompleter struct{}

func (stubCompleter) Complete(context.Context, analysis.CompletionRequest) (string, error) {
	return "report", nil
}

func TestEventsAreRecorded(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s, _ := newSession(t, analyzerFunc(func(context.Context, *recorder.Artifact) (analysis.Result, error) {
		return analysis.Result{Transcription: "t", Analysis: "a"}, nil
	}), WithEventStore(store))
	record(t, s)
	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	s.Reset(context.Background())

	events, err := s.Events(context.Background(), 20)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{
		protocol.EventRecordingStarted,
		protocol.EventRecordingStopped,
		protocol.EventAnalysisStarted,
		protocol.EventAnalysisCompleted,
		protocol.EventRecordingReset,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], e.Type)
		}
	}
	if events[1].ByteCount == 0 || events[1].MediaType != "audio/webm" {
		t.Fatalf("stop event missing metadata: %+v", events[1])
	}
}

func TestErrorKind(t *testing.T) {
	cases := map[error]string{
		nil:                           "",
		recorder.ErrDeviceBusy:        "device_busy",
		recorder.ErrNoAudio:           "no_audio",
		ErrBusy:                       "busy",
		ErrDiscarded:                  "reset",
		analysis.ErrAnalysisFailed:    "analysis_failed",
		analysis.ErrInvalidInput:      "invalid_input",
		errors.New("something broke"): "internal",
	}
	for err, want := range cases {
		if got := ErrorKind(err); got != want {
			t.Fatalf("ErrorKind(%v) = %q, want %q", err, got, want)
		}
	}
}
