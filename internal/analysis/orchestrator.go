package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-accent/internal/recorder"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-accent/analysis"

const (
	stageTranscribe = "transcribe"
	stageAnalyze    = "analyze"
)

// Orchestrator runs the two-stage transcribe-then-analyze pipeline with an
// independent retry budget per stage. It holds no per-call state; callers
// that need one-at-a-time semantics enforce it themselves.
type Orchestrator struct {
	transcriber Transcriber
	completer   Completer
	opts        Options
	retry       retryPolicy
	logger      *slog.Logger

	tracer   trace.Tracer
	attempts metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func New(transcriber Transcriber, completer Completer, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if transcriber == nil {
		return nil, errors.New("analysis: transcriber is required")
	}
	if completer == nil {
		return nil, errors.New("analysis: completer is required")
	}
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	o := &Orchestrator{
		transcriber: transcriber,
		completer:   completer,
		opts:        options,
		retry: retryPolicy{
			maxAttempts: options.MaxAttempts,
			initial:     options.InitialDelay,
			max:         options.MaxDelay,
			sleep:       sleepContext,
		},
		logger: logger.With(slog.String("component", "analysis")),
		tracer: otel.Tracer(instrumentationName),
	}
	if err := o.initMetrics(); err != nil {
		o.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return o, nil
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if o.attempts, err = meter.Int64Counter("accent.analysis.attempts", metric.WithDescription("Provider calls per stage")); err != nil {
		return err
	}
	if o.failures, err = meter.Int64Counter("accent.analysis.failures", metric.WithDescription("Analyses that failed, by kind")); err != nil {
		return err
	}
	o.duration, err = meter.Float64Histogram("accent.analysis.duration_ms", metric.WithDescription("End-to-end analysis latency"), metric.WithUnit("ms"))
	return err
}

// Options returns the effective configuration.
func (o *Orchestrator) Options() Options { return o.opts }

// Analyze validates the artifact, transcribes it and asks the completer for a
// pronunciation report. Failures are returned as *Error.
func (o *Orchestrator) Analyze(ctx context.Context, artifact *recorder.Artifact) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "analysis.Analyze")
	defer span.End()
	start := time.Now()

	result, err := o.analyze(ctx, artifact)
	elapsed := time.Since(start)
	if o.duration != nil {
		o.duration.Record(ctx, float64(elapsed.Milliseconds()))
	}
	if err != nil {
		kind := KindOf(err)
		span.SetStatus(codes.Error, string(kind))
		span.RecordError(err)
		if o.failures != nil {
			o.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		}
		o.logger.Error("analysis failed",
			slog.String("kind", string(kind)),
			slog.Duration("elapsed", elapsed),
			slogCause(err))
		return Result{}, err
	}
	if o.opts.Verbose {
		o.logger.Info("analysis complete",
			slog.Duration("elapsed", elapsed),
			slog.String("transcription", result.Transcription),
			slog.Int("analysis_chars", len(result.Analysis)))
	}
	return result, nil
}

func (o *Orchestrator) analyze(ctx context.Context, artifact *recorder.Artifact) (Result, error) {
	if err := validate(artifact); err != nil {
		return Result{}, err
	}

	transcription, err := o.runStage(ctx, stageTranscribe, func(ctx context.Context) (string, error) {
		return o.transcriber.Transcribe(ctx, TranscriptionRequest{
			Audio:    artifact.Data,
			FileName: FileName(artifact.MediaType),
			Language: o.opts.Language,
			Model:    o.opts.TranscriptionModel,
		})
	})
	if err != nil {
		return Result{}, transcriptionFailed(err)
	}
	if strings.TrimSpace(transcription) == "" {
		return Result{}, transcriptionFailed(errors.New("transcription was empty"))
	}

	report, err := o.runStage(ctx, stageAnalyze, func(ctx context.Context) (string, error) {
		return o.completer.Complete(ctx, CompletionRequest{
			System:      SystemInstruction,
			User:        UserMessage(transcription),
			Model:       o.opts.AnalysisModel,
			Temperature: o.opts.Temperature,
		})
	})
	if err != nil {
		return Result{}, analysisFailed(err)
	}
	if strings.TrimSpace(report) == "" {
		return Result{}, analysisFailed(errors.New("analysis was empty"))
	}

	return Result{Transcription: transcription, Analysis: report}, nil
}

func validate(artifact *recorder.Artifact) error {
	if artifact == nil || artifact.Size() == 0 {
		return invalidInput("Audio recording is empty.")
	}
	if !isAudioType(artifact.MediaType) {
		return invalidInput(fmt.Sprintf("Unsupported audio format %q.", artifact.MediaType))
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage string, call func(context.Context) (string, error)) (string, error) {
	ctx, span := o.tracer.Start(ctx, "analysis."+stage, trace.WithAttributes(attribute.String("stage", stage)))
	defer span.End()

	op := func(ctx context.Context) (string, error) {
		if o.attempts != nil {
			o.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
		}
		if o.opts.StageTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.opts.StageTimeout)
			defer cancel()
		}
		return call(ctx)
	}
	notify := func(attempt int, delay time.Duration, err error) {
		if o.opts.Verbose {
			o.logger.Warn("stage attempt failed, retrying",
				slog.String("stage", stage),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slogError(err))
		}
	}

	out, attempts, err := o.retry.do(ctx, op, notify)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return out, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// slogCause logs the provider error behind an *Error rather than its
// user-facing message.
func slogCause(err error) slog.Attr {
	if cause := errors.Unwrap(err); cause != nil {
		return slog.String("cause", cause.Error())
	}
	return slog.String("cause", err.Error())
}
