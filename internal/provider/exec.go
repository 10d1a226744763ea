package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/mattn/go-shellwords"
)

func parseCommand(kind, command string) ([]string, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", kind, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command is empty", kind)
	}
	return args, nil
}

// ExecTranscriber writes the audio to a temporary file and runs an external
// speech-to-text command against it. The command prints {"text": "..."}.
type ExecTranscriber struct {
	cmd []string
}

type execTranscript struct {
	Text string `json:"text"`
}

func NewExecTranscriber(command string) (*ExecTranscriber, error) {
	args, err := parseCommand("transcribe", command)
	if err != nil {
		return nil, err
	}
	return &ExecTranscriber{cmd: args}, nil
}

func (t *ExecTranscriber) Transcribe(ctx context.Context, req analysis.TranscriptionRequest) (string, error) {
	dir, err := os.MkdirTemp("", "accent_stt_*")
	if err != nil {
		return "", fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	// The extension tells the tool which container to expect.
	path := filepath.Join(dir, filepath.Base(req.FileName))
	if err := os.WriteFile(path, req.Audio, 0o600); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}

	args := append([]string{}, t.cmd[1:]...)
	args = append(args, "--audio", path)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}

	command := exec.CommandContext(ctx, t.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("transcribe command failed: %w: %s", err, stderr.String())
	}

	var resp execTranscript
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode transcribe response: %w", err)
	}
	return resp.Text, nil
}

// ExecCompleter pipes the prompt as JSON to an external command and reads
// {"content": "..."} back.
type ExecCompleter struct {
	cmd []string
}

type execCompletion struct {
	Content string `json:"content"`
}

func NewExecCompleter(command string) (*ExecCompleter, error) {
	args, err := parseCommand("complete", command)
	if err != nil {
		return nil, err
	}
	return &ExecCompleter{cmd: args}, nil
}

func (c *ExecCompleter) Complete(ctx context.Context, req analysis.CompletionRequest) (string, error) {
	input, err := json.Marshal(map[string]any{
		"system":      req.System,
		"prompt":      req.User,
		"model":       req.Model,
		"temperature": req.Temperature,
	})
	if err != nil {
		return "", err
	}

	command := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	command.Stdin = bytes.NewReader(input)
	output, err := command.Output()
	if err != nil {
		return "", fmt.Errorf("complete command failed: %w", err)
	}

	var resp execCompletion
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode complete response: %w", err)
	}
	return resp.Content, nil
}
