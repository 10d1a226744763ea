package protocol

import "time"

// AnalyzeRequest asks the analysis service to process one recording.
type AnalyzeRequest struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	MediaType string `json:"media_type"`
	Audio     []byte `json:"audio"`
}

// AnalyzeResponse is the reply to an AnalyzeRequest. Error and Kind are set
// instead of the result fields when analysis fails.
type AnalyzeResponse struct {
	RequestID     string `json:"request_id,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Analysis      string `json:"analysis,omitempty"`
	Error         string `json:"error,omitempty"`
	Kind          string `json:"kind,omitempty"`
	LatencyMS     int64  `json:"latency_ms"`
}

// SessionEvent is broadcast whenever a session changes state. It never
// carries audio or report text.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	State     string    `json:"state,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	ByteCount int       `json:"byte_count,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAnalyzeRequest    = "accent.analyze"
	SubjectAnalysisCompleted = "accent.analysis.completed"
	SubjectAnalysisFailed    = "accent.analysis.failed"
	SubjectSessionPrefix     = "accent.session"
)

// Session event types.
const (
	EventRecordingStarted  = "recording.started"
	EventRecordingStopped  = "recording.stopped"
	EventRecordingReset    = "recording.reset"
	EventPermissionDenied  = "recording.permission_denied"
	EventAnalysisStarted   = "analysis.started"
	EventAnalysisCompleted = "analysis.completed"
	EventAnalysisFailed    = "analysis.failed"
)

// SessionSubject is the subject session events for type are published on.
func SessionSubject(eventType string) string {
	return SubjectSessionPrefix + "." + eventType
}
