package provider

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/loqalabs/loqa-accent/internal/config"
)

// New builds the transcriber and completer selected by cfg. When both
// stages use OpenAI they share one client.
func New(cfg config.ProviderConfig, logger *slog.Logger) (analysis.Transcriber, analysis.Completer, error) {
	var shared *OpenAI
	openAI := func() (*OpenAI, error) {
		if shared != nil {
			return shared, nil
		}
		p, err := NewOpenAI(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		shared = p
		return p, nil
	}

	var transcriber analysis.Transcriber
	switch cfg.Transcriber {
	case "", "mock":
		transcriber = MockTranscriber{}
	case "openai":
		p, err := openAI()
		if err != nil {
			return nil, nil, err
		}
		transcriber = p
	case "exec":
		p, err := NewExecTranscriber(cfg.TranscribeCommand)
		if err != nil {
			return nil, nil, err
		}
		transcriber = p
	default:
		return nil, nil, fmt.Errorf("unsupported transcriber %q", cfg.Transcriber)
	}

	var completer analysis.Completer
	switch cfg.Completer {
	case "", "mock":
		completer = MockCompleter{}
	case "openai":
		p, err := openAI()
		if err != nil {
			return nil, nil, err
		}
		completer = p
	case "ollama":
		completer = NewOllama(cfg.OllamaEndpoint)
	case "exec":
		p, err := NewExecCompleter(cfg.CompleteCommand)
		if err != nil {
			return nil, nil, err
		}
		completer = p
	default:
		return nil, nil, fmt.Errorf("unsupported completer %q", cfg.Completer)
	}

	logger.Info("providers configured",
		slog.String("transcriber", modeName(cfg.Transcriber)),
		slog.String("completer", modeName(cfg.Completer)))
	return transcriber, completer, nil
}

func modeName(mode string) string {
	if mode == "" {
		return "mock"
	}
	return mode
}
