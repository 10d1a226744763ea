package analysis

import "errors"

// Kind classifies analysis failures.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindTranscriptionFailed Kind = "transcription_failed"
	KindAnalysisFailed      Kind = "analysis_failed"
)

// Error is returned by Orchestrator.Analyze. Message is safe to show to a
// user; the provider cause is kept in Err for logs and errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can compare against
// the Err* sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrTranscriptionFailed = &Error{Kind: KindTranscriptionFailed}
	ErrAnalysisFailed      = &Error{Kind: KindAnalysisFailed}
)

// KindOf extracts the failure kind, or "" when err is not an analysis error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func invalidInput(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

func transcriptionFailed(cause error) *Error {
	return &Error{Kind: KindTranscriptionFailed, Message: "Failed to transcribe audio. Please try again.", Err: cause}
}

func analysisFailed(cause error) *Error {
	return &Error{Kind: KindAnalysisFailed, Message: "Failed to analyze speech. Please try again.", Err: cause}
}
