package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/loqalabs/loqa-accent/internal/config"
	"github.com/loqalabs/loqa-accent/internal/eventstore"
	"github.com/loqalabs/loqa-accent/internal/provider"
	"github.com/loqalabs/loqa-accent/internal/recorder"
	"github.com/loqalabs/loqa-accent/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type failingCompleter struct{}

func (failingCompleter) Complete(context.Context, analysis.CompletionRequest) (string, error) {
	return "", errors.New("upstream unavailable")
}

func newTestServer(t *testing.T, completer analysis.Completer, opts ...session.Option) (*httptest.Server, *recorder.MockDevice) {
	t.Helper()
	o, err := analysis.New(provider.MockTranscriber{}, completer, newLogger(),
		analysis.WithBackoff(time.Millisecond, 2*time.Millisecond))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	device := recorder.NewMockDevice([]string{"audio/webm"}, "audio/webm")
	rec := recorder.New(device, newLogger(), recorder.WithTimeslice(5*time.Millisecond))
	sess := session.New(context.Background(), rec, o, newLogger(), opts...)
	t.Cleanup(func() { _ = sess.Close() })

	api := NewAPI(sess, o, 1024, func() bool { return true }, nil, newLogger())
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return srv, device
}

func post(t *testing.T, url, contentType string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndPassage(t *testing.T) {
	srv, _ := newTestServer(t, provider.MockCompleter{})
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/passage")
	if err != nil {
		t.Fatalf("get passage: %v", err)
	}
	defer resp.Body.Close()
	passage := decode[analysis.Passage](t, resp)
	if !strings.HasPrefix(passage.Text, "The quick brown fox") {
		t.Fatalf("unexpected passage %+v", passage)
	}
}

func TestAnalyzeUpload(t *testing.T) {
	srv, _ := newTestServer(t, provider.MockCompleter{})
	resp := post(t, srv.URL+"/v1/analyze", "audio/webm", []byte("opus-frames"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	result := decode[analysis.Result](t, resp)
	if result.Transcription == "" || !strings.Contains(result.Analysis, "**Accent Classification**") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestAnalyzeUploadErrors(t *testing.T) {
	srv, _ := newTestServer(t, failingCompleter{})

	resp := post(t, srv.URL+"/v1/analyze", "audio/webm", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty upload: expected 400, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); body.Kind != "invalid_input" {
		t.Fatalf("unexpected error body %+v", body)
	}

	resp = post(t, srv.URL+"/v1/analyze", "text/plain", []byte("hello"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-audio upload: expected 400, got %d", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/v1/analyze", "audio/webm", bytes.Repeat([]byte("x"), 2048))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized upload: expected 413, got %d", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/v1/analyze", "audio/webm", []byte("opus"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("failing completer: expected 502, got %d", resp.StatusCode)
	}
	body := decode[errorResponse](t, resp)
	if body.Kind != "analysis_failed" || body.Error != "Failed to analyze speech. Please try again." {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, provider.MockCompleter{})

	resp := post(t, srv.URL+"/v1/session/start", "", nil)
	if snap := decode[session.Snapshot](t, resp); resp.StatusCode != http.StatusOK || snap.State != "recording" {
		t.Fatalf("start: %d %+v", resp.StatusCode, snap)
	}
	resp = post(t, srv.URL+"/v1/session/start", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/v1/session/stop", "", nil)
	snap := decode[session.Snapshot](t, resp)
	if snap.State != "stopped" || snap.AudioBytes == 0 {
		t.Fatalf("stop: unexpected snapshot %+v", snap)
	}

	audio, err := http.Get(srv.URL + "/v1/session/audio")
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	data, _ := io.ReadAll(audio.Body)
	audio.Body.Close()
	if audio.StatusCode != http.StatusOK || audio.Header.Get("Content-Type") != "audio/webm" || len(data) != snap.AudioBytes {
		t.Fatalf("unexpected audio response %d %q %d bytes", audio.StatusCode, audio.Header.Get("Content-Type"), len(data))
	}

	resp = post(t, srv.URL+"/v1/session/analyze", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analyze: expected 200, got %d", resp.StatusCode)
	}

	get, err := http.Get(srv.URL + "/v1/session")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	defer get.Body.Close()
	if snap := decode[session.Snapshot](t, get); snap.Result == nil {
		t.Fatalf("expected result in snapshot %+v", snap)
	}

	resp = post(t, srv.URL+"/v1/session/reset", "", nil)
	if snap := decode[session.Snapshot](t, resp); snap.State != "idle" || snap.Result != nil || snap.AudioBytes != 0 {
		t.Fatalf("reset: unexpected snapshot %+v", snap)
	}

	audio, err = http.Get(srv.URL + "/v1/session/audio")
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	audio.Body.Close()
	if audio.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after reset, got %d", audio.StatusCode)
	}
}

func TestSessionPermissionDenied(t *testing.T) {
	srv, device := newTestServer(t, provider.MockCompleter{})
	device.Deny(true)
	resp := post(t, srv.URL+"/v1/session/start", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); body.Kind != "permission_denied" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestMethodRouting(t *testing.T) {
	srv, _ := newTestServer(t, provider.MockCompleter{})
	resp, err := http.Get(srv.URL + "/v1/session/start")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

type eventsBody struct {
	SessionID string             `json:"session_id"`
	Events    []eventstore.Event `json:"events"`
}

func TestSessionEvents(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	srv, _ := newTestServer(t, provider.MockCompleter{}, session.WithEventStore(store))

	post(t, srv.URL+"/v1/session/start", "", nil)
	post(t, srv.URL+"/v1/session/stop", "", nil)

	resp, err := http.Get(srv.URL + "/v1/session/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	body := decode[eventsBody](t, resp)
	if resp.StatusCode != http.StatusOK || body.SessionID == "" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, body)
	}
	if len(body.Events) != 2 || body.Events[0].Type != "recording.started" || body.Events[1].Type != "recording.stopped" {
		t.Fatalf("unexpected timeline %+v", body.Events)
	}
	if body.Events[1].ByteCount == 0 || body.Events[1].MediaType != "audio/webm" {
		t.Fatalf("expected stop metadata, got %+v", body.Events[1])
	}

	limited, err := http.Get(srv.URL + "/v1/session/events?limit=1")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer limited.Body.Close()
	if body := decode[eventsBody](t, limited); len(body.Events) != 1 {
		t.Fatalf("expected limit to apply, got %d events", len(body.Events))
	}

	bad, err := http.Get(srv.URL + "/v1/session/events?limit=zero")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}

func TestSessionEventsEphemeral(t *testing.T) {
	srv, _ := newTestServer(t, provider.MockCompleter{})
	resp, err := http.Get(srv.URL + "/v1/session/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if body := decode[eventsBody](t, resp); body.Events == nil || len(body.Events) != 0 {
		t.Fatalf("expected empty timeline, got %+v", body.Events)
	}
}
