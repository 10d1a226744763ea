package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/loqalabs/loqa-accent/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenAITranscribeAndComplete(t *testing.T) {
	var gotModel, gotFile, gotLanguage, gotFormat string
	var chat struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/audio/transcriptions":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			gotModel = r.FormValue("model")
			gotLanguage = r.FormValue("language")
			gotFormat = r.FormValue("response_format")
			_, header, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			gotFile = header.Filename
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "the quick brown fox\n")
		case "/v1/chat/completions":
			if err := json.NewDecoder(r.Body).Decode(&chat); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"**Strengths**"},"finish_reason":"stop"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	p, err := NewOpenAI("sk-test", srv.URL+"/v1/")
	if err != nil {
		t.Fatalf("new openai: %v", err)
	}
	text, err := p.Transcribe(context.Background(), analysis.TranscriptionRequest{
		Audio: []byte("webm"), FileName: "audio.webm", Language: "en", Model: "whisper-1",
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "the quick brown fox" {
		t.Fatalf("unexpected transcription %q", text)
	}
	if gotModel != "whisper-1" || gotLanguage != "en" || gotFile != "audio.webm" || gotFormat != "text" {
		t.Fatalf("unexpected upload model=%q language=%q file=%q format=%q", gotModel, gotLanguage, gotFile, gotFormat)
	}

	report, err := p.Complete(context.Background(), analysis.CompletionRequest{
		System: "sys", User: "usr", Model: "gpt-4", Temperature: 0.5,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if report != "**Strengths**" {
		t.Fatalf("unexpected report %q", report)
	}
	if chat.Model != "gpt-4" || len(chat.Messages) != 2 || chat.Messages[0].Role != "system" || chat.Messages[1].Content != "usr" {
		t.Fatalf("unexpected chat request %+v", chat)
	}
}

func TestOpenAIPropagatesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	t.Cleanup(srv.Close)

	p, err := NewOpenAI("sk-test", srv.URL+"/v1")
	if err != nil {
		t.Fatalf("new openai: %v", err)
	}
	if _, err := p.Complete(context.Background(), analysis.CompletionRequest{User: "x", Model: "gpt-4"}); err == nil {
		t.Fatalf("expected error from 503")
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI("", ""); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestOllamaStreamsCompletion(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"response":"**Accent ","done":false}`+"\n\n")
		_, _ = io.WriteString(w, `{"response":"Classification**","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"response":"","done":true}`+"\n")
	}))
	t.Cleanup(srv.Close)

	out, err := NewOllama(srv.URL+"/").Complete(context.Background(), analysis.CompletionRequest{
		System: "sys", User: "usr", Temperature: 0.5,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "**Accent Classification**" {
		t.Fatalf("unexpected output %q", out)
	}
	if got.Model != defaultOllamaModel || got.System != "sys" || got.Prompt != "usr" || !got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	if _, err := NewOllama(srv.URL).Complete(context.Background(), analysis.CompletionRequest{User: "x"}); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecTranscriber(t *testing.T) {
	requireShell(t)
	tr, err := NewExecTranscriber(`sh -c 'test -s "$2" && echo "{\"text\":\"$(basename "$2")\"}"' stt`)
	if err != nil {
		t.Fatalf("new exec transcriber: %v", err)
	}
	text, err := tr.Transcribe(context.Background(), analysis.TranscriptionRequest{Audio: []byte("data"), FileName: "audio.ogg"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "audio.ogg" {
		t.Fatalf("unexpected transcription %q", text)
	}
}

func TestExecCompleter(t *testing.T) {
	requireShell(t)
	c, err := NewExecCompleter(`sh -c 'grep -q "\"prompt\":\"usr\"" && echo "{\"content\":\"report\"}"'`)
	if err != nil {
		t.Fatalf("new exec completer: %v", err)
	}
	out, err := c.Complete(context.Background(), analysis.CompletionRequest{System: "sys", User: "usr"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "report" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecTranscriber(""); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if _, err := NewExecCompleter("   "); err == nil {
		t.Fatalf("expected error for blank command")
	}
}

func writeWAV(t *testing.T, samples int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 16000}, Data: make([]int, samples)}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func TestMockTranscriberReportsWAVDuration(t *testing.T) {
	text, err := MockTranscriber{}.Transcribe(context.Background(), analysis.TranscriptionRequest{
		Audio: writeWAV(t, 16000), FileName: "audio.wav",
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(text, "1s") || !strings.HasPrefix(text, "The quick brown fox") {
		t.Fatalf("unexpected transcription %q", text)
	}

	text, err = MockTranscriber{}.Transcribe(context.Background(), analysis.TranscriptionRequest{Audio: []byte("webm"), FileName: "audio.webm"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(text, "4 bytes of audio.webm") {
		t.Fatalf("unexpected transcription %q", text)
	}
}

func TestFactoryModes(t *testing.T) {
	tr, c, err := New(config.ProviderConfig{}, newLogger())
	if err != nil {
		t.Fatalf("default providers: %v", err)
	}
	if _, ok := tr.(MockTranscriber); !ok {
		t.Fatalf("expected mock transcriber, got %T", tr)
	}
	if _, ok := c.(MockCompleter); !ok {
		t.Fatalf("expected mock completer, got %T", c)
	}

	tr, c, err = New(config.ProviderConfig{Transcriber: "openai", Completer: "openai", APIKey: "sk"}, newLogger())
	if err != nil {
		t.Fatalf("openai providers: %v", err)
	}
	if tr.(*OpenAI) != c.(*OpenAI) {
		t.Fatalf("expected shared openai client")
	}

	_, c, err = New(config.ProviderConfig{Completer: "ollama", OllamaEndpoint: "http://localhost:11434"}, newLogger())
	if err != nil {
		t.Fatalf("ollama completer: %v", err)
	}
	if _, ok := c.(*Ollama); !ok {
		t.Fatalf("expected ollama completer, got %T", c)
	}

	if _, _, err := New(config.ProviderConfig{Transcriber: "ollama"}, newLogger()); err == nil {
		t.Fatalf("ollama cannot transcribe")
	}
	if _, _, err := New(config.ProviderConfig{Transcriber: "openai"}, newLogger()); err == nil {
		t.Fatalf("expected error without api key")
	}
}
