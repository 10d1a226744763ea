package analysis

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-accent/internal/config"
)

// TranscriptionRequest is the input to a speech-to-text backend. FileName
// only tells the backend which container format to expect.
type TranscriptionRequest struct {
	Audio    []byte
	FileName string
	Language string
	Model    string
}

// CompletionRequest is a single system+user exchange with a language model.
type CompletionRequest struct {
	System      string
	User        string
	Model       string
	Temperature float64
}

// Transcriber turns audio into plain text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (string, error)
}

// Completer returns free-form model output for a prompt.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Result is the outcome of a successful analysis.
type Result struct {
	Transcription string `json:"transcription"`
	Analysis      string `json:"analysis"`
}

// Options configures an Orchestrator.
type Options struct {
	TranscriptionModel string
	AnalysisModel      string
	Language           string
	Temperature        float64
	MaxAttempts        int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	StageTimeout       time.Duration
	Verbose            bool
}

func DefaultOptions() Options {
	return Options{
		TranscriptionModel: "whisper-1",
		AnalysisModel:      "gpt-4",
		Language:           "en",
		Temperature:        0.5,
		MaxAttempts:        3,
		InitialDelay:       time.Second,
		MaxDelay:           10 * time.Second,
		Verbose:            true,
	}
}

type Option func(*Options)

func WithTranscriptionModel(model string) Option {
	return func(o *Options) {
		if model != "" {
			o.TranscriptionModel = model
		}
	}
}

func WithAnalysisModel(model string) Option {
	return func(o *Options) {
		if model != "" {
			o.AnalysisModel = model
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

func WithVerbose(verbose bool) Option {
	return func(o *Options) { o.Verbose = verbose }
}

func WithLanguage(language string) Option {
	return func(o *Options) {
		if language != "" {
			o.Language = language
		}
	}
}

func WithTemperature(t float64) Option {
	return func(o *Options) { o.Temperature = t }
}

// WithBackoff sets the first retry delay and its cap.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *Options) {
		if initial >= 0 && max >= initial {
			o.InitialDelay = initial
			o.MaxDelay = max
		}
	}
}

// WithStageTimeout bounds each provider call. Zero disables the bound.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Options) { o.StageTimeout = d }
}

// OptionsFromConfig maps configuration onto orchestrator options.
func OptionsFromConfig(cfg config.AnalysisConfig, temperature float64) []Option {
	return []Option{
		WithTranscriptionModel(cfg.TranscriptionModel),
		WithAnalysisModel(cfg.AnalysisModel),
		WithLanguage(cfg.Language),
		WithMaxAttempts(cfg.MaxAttempts),
		WithBackoff(time.Duration(cfg.InitialDelayMS)*time.Millisecond, time.Duration(cfg.MaxDelayMS)*time.Millisecond),
		WithStageTimeout(time.Duration(cfg.StageTimeoutMS) * time.Millisecond),
		WithVerbose(cfg.Verbose),
		WithTemperature(temperature),
	}
}
