package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/loqalabs/loqa-accent/internal/bus"
	"github.com/loqalabs/loqa-accent/internal/config"
	"github.com/loqalabs/loqa-accent/internal/protocol"
	"github.com/loqalabs/loqa-accent/internal/provider"
	"github.com/loqalabs/loqa-accent/internal/recorder"
	"github.com/loqalabs/loqa-accent/internal/report"
	"github.com/loqalabs/loqa-accent/internal/session"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		filePath   string
		mediaType  string
		natsURL    string
		duration   time.Duration
		width      int
	)

	analyzeCmd := flag.NewFlagSet("analyze", flag.ExitOnError)
	analyzeCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	analyzeCmd.StringVar(&filePath, "file", "", "Audio file to analyze")
	analyzeCmd.StringVar(&mediaType, "type", "", "Media type of the file (guessed from the extension when empty)")
	analyzeCmd.StringVar(&natsURL, "nats", "", "Send the request to a running daemon over NATS instead of analyzing locally")
	analyzeCmd.IntVar(&width, "width", 80, "Wrap width for the report")

	recordCmd := flag.NewFlagSet("record", flag.ExitOnError)
	recordCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	recordCmd.DurationVar(&duration, "duration", 10*time.Second, "Maximum recording length; Ctrl-C stops early")
	recordCmd.IntVar(&width, "width", 80, "Wrap width for the report")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'analyze', 'record', 'passage' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "analyze":
		_ = analyzeCmd.Parse(os.Args[2:])
		err = runAnalyze(ctx, configPath, filePath, mediaType, natsURL, width)
	case "record":
		_ = recordCmd.Parse(os.Args[2:])
		err = runRecord(ctx, configPath, duration, width)
	case "passage":
		p := analysis.ReadingPassage
		fmt.Println(report.TitleStyle.Render(p.Title))
		fmt.Println(p.Text)
		fmt.Println(report.TranscriptStyle.Render(p.Hint))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, report.RenderError(err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelWarn
	if cfg.Analysis.Verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newOrchestrator(cfg config.Config, logger *slog.Logger) (*analysis.Orchestrator, error) {
	transcriber, completer, err := provider.New(cfg.Provider, logger)
	if err != nil {
		return nil, err
	}
	return analysis.New(transcriber, completer, logger,
		analysis.OptionsFromConfig(cfg.Analysis, cfg.Provider.Temperature)...)
}

func runAnalyze(ctx context.Context, configPath, filePath, mediaType, natsURL string, width int) error {
	if filePath == "" {
		return errors.New("-file is required")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	if mediaType == "" {
		mediaType = analysis.MediaTypeForFile(filePath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if natsURL != "" {
		return analyzeRemote(ctx, cfg, natsURL, data, mediaType, width, logger)
	}

	o, err := newOrchestrator(cfg, logger)
	if err != nil {
		return err
	}
	result, err := o.Analyze(ctx, recorder.NewArtifact(data, mediaType))
	if err != nil {
		return err
	}
	fmt.Print(report.Render(result.Transcription, result.Analysis, width))
	return nil
}

func analyzeRemote(ctx context.Context, cfg config.Config, natsURL string, data []byte, mediaType string, width int, logger *slog.Logger) error {
	busCfg := cfg.Bus
	busCfg.Servers = []string{natsURL}
	client, err := bus.Connect(ctx, busCfg, "accentctl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	// Cover every retry of both stages.
	timeout := 2*time.Duration(cfg.Analysis.MaxAttempts)*time.Duration(cfg.Analysis.StageTimeoutMS)*time.Millisecond + time.Minute
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp protocol.AnalyzeResponse
	req := protocol.AnalyzeRequest{RequestID: uuid.NewString(), MediaType: mediaType, Audio: data}
	if err := client.Request(reqCtx, protocol.SubjectAnalyzeRequest, req, &resp); err != nil {
		if errors.Is(err, bus.ErrPayloadTooLarge) {
			return &analysis.Error{
				Kind:    analysis.KindInvalidInput,
				Message: fmt.Sprintf("Audio recording is too large to send over the bus (max payload %d bytes).", client.Conn().MaxPayload()),
				Err:     err,
			}
		}
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	fmt.Print(report.Render(resp.Transcription, resp.Analysis, width))
	return nil
}

func runRecord(ctx context.Context, configPath string, duration time.Duration, width int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	o, err := newOrchestrator(cfg, logger)
	if err != nil {
		return err
	}
	device, err := recorder.NewDevice(cfg.Recorder)
	if err != nil {
		return err
	}
	rec := recorder.New(device, logger,
		recorder.WithTimeslice(time.Duration(cfg.Recorder.TimesliceMS)*time.Millisecond))
	sess := session.New(ctx, rec, o, logger)
	defer sess.Close()

	p := analysis.ReadingPassage
	fmt.Println(report.TitleStyle.Render(p.Title))
	fmt.Println(p.Text)
	fmt.Println()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Recording for up to %s...\n", duration)

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	artifact, err := sess.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	fmt.Printf("Captured %d bytes of %s. Analyzing...\n", artifact.Size(), artifact.MediaType)

	// A Ctrl-C that ended the recording must not abort the analysis.
	result, err := sess.Analyze(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	fmt.Print(report.Render(result.Transcription, result.Analysis, width))
	return nil
}
