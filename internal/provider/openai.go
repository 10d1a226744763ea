package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/sashabaranov/go-openai"
)

// OpenAI talks to an OpenAI-compatible API for both stages.
type OpenAI struct {
	client *openai.Client
}

func NewOpenAI(apiKey, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}, nil
}

func (p *OpenAI) Transcribe(ctx context.Context, req analysis.TranscriptionRequest) (string, error) {
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    req.Model,
		FilePath: req.FileName,
		Reader:   bytes.NewReader(req.Audio),
		Language: req.Language,
		Format:   openai.AudioResponseFormatText,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (p *OpenAI) Complete(ctx context.Context, req analysis.CompletionRequest) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
