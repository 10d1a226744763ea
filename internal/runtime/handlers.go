package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/loqalabs/loqa-accent/internal/eventstore"
	"github.com/loqalabs/loqa-accent/internal/recorder"
	"github.com/loqalabs/loqa-accent/internal/session"
)

// API exposes the session controller and one-shot analysis over HTTP.
type API struct {
	session   *session.Session
	analyzer  session.Analyzer
	maxUpload int64
	ready     func() bool
	metrics   http.Handler
	logger    *slog.Logger
}

const defaultMaxUpload = 25 << 20

func NewAPI(sess *session.Session, analyzer session.Analyzer, maxUpload int64, ready func() bool, metrics http.Handler, logger *slog.Logger) *API {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &API{
		session:   sess,
		analyzer:  analyzer,
		maxUpload: maxUpload,
		ready:     ready,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "http")),
	}
}

func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}
	mux.HandleFunc("GET /v1/passage", a.handlePassage)
	mux.HandleFunc("POST /v1/analyze", a.handleAnalyze)
	mux.HandleFunc("GET /v1/session", a.handleSnapshot)
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("POST /v1/session/reset", a.handleReset)
	mux.HandleFunc("POST /v1/session/analyze", a.handleSessionAnalyze)
	mux.HandleFunc("GET /v1/session/audio", a.handleAudio)
	mux.HandleFunc("GET /v1/session/events", a.handleEvents)
	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready == nil || a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *API) handlePassage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, analysis.ReadingPassage)
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, a.maxUpload)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Audio upload is too large.", string(analysis.KindInvalidInput))
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read audio upload.", string(analysis.KindInvalidInput))
		return
	}
	result, err := a.analyzer.Analyze(r.Context(), recorder.NewArtifact(data, r.Header.Get("Content-Type")))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.session.Start(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if _, err := a.session.Stop(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	a.session.Reset(r.Context())
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *API) handleSessionAnalyze(w http.ResponseWriter, r *http.Request) {
	result, err := a.session.Analyze(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleAudio(w http.ResponseWriter, _ *http.Request) {
	artifact := a.session.Audio()
	if artifact == nil {
		writeError(w, http.StatusNotFound, "No recording available.", "no_audio")
		return
	}
	w.Header().Set("Content-Type", artifact.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(artifact.Size()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

type eventsResponse struct {
	SessionID string             `json:"session_id"`
	Events    []eventstore.Event `json:"events"`
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer.", string(analysis.KindInvalidInput))
			return
		}
		limit = n
	}
	events, err := a.session.Events(r.Context(), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{SessionID: a.session.ID(), Events: events})
}

func (a *API) fail(w http.ResponseWriter, err error) {
	kind := session.ErrorKind(err)
	status := statusForKind(kind)
	message := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", slogError(err))
		message = "Internal error."
	}
	writeError(w, status, message, kind)
}

func statusForKind(kind string) int {
	switch kind {
	case string(analysis.KindInvalidInput):
		return http.StatusBadRequest
	case "permission_denied":
		return http.StatusForbidden
	case "busy", "device_busy", "reset":
		return http.StatusConflict
	case "no_audio":
		return http.StatusUnprocessableEntity
	case string(analysis.KindTranscriptionFailed), string(analysis.KindAnalysisFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
