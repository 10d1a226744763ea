package provider

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-accent/internal/analysis"
)

// MockTranscriber pretends the speaker read the passage.
type MockTranscriber struct{}

func (MockTranscriber) Transcribe(_ context.Context, req analysis.TranscriptionRequest) (string, error) {
	first, _, _ := strings.Cut(analysis.ReadingPassage.Text, ". ")
	desc := fmt.Sprintf("%d bytes of %s", len(req.Audio), req.FileName)
	dec := wav.NewDecoder(bytes.NewReader(req.Audio))
	if dec.IsValidFile() {
		if d, err := dec.Duration(); err == nil {
			desc = fmt.Sprintf("%s, %s", desc, d.Round(time.Millisecond))
		}
	}
	return fmt.Sprintf("%s. [mock transcription: %s]", first, desc), nil
}

// MockCompleter returns a canned report in the expected section layout.
type MockCompleter struct{}

func (MockCompleter) Complete(_ context.Context, req analysis.CompletionRequest) (string, error) {
	return fmt.Sprintf(`**Accent Classification**
- General American (mock)
- Confidence level: low

**Key Characteristics**
- Prompt of %d characters received

**Strengths**
- Clear articulation

**Areas for Improvement**
1. Record a longer sample for a real assessment`, len(req.User)), nil
}
