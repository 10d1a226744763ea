package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	Provider    ProviderConfig   `yaml:"provider"`
	Analysis    AnalysisConfig   `yaml:"analysis"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// MaxPayloadBytes caps a single bus message on the embedded server.
	// Zero derives it from http.max_upload_bytes.
	MaxPayloadBytes int32 `yaml:"max_payload_bytes"`
}

// EventStoreConfig controls the session timeline. Only metadata is written
// (stage, attempt, byte counts); audio and report text never reach disk.
type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RecorderConfig struct {
	Mode             string   `yaml:"mode"` // mock, exec
	Command          string   `yaml:"command"`
	SupportedTypes   []string `yaml:"supported_types"`
	DefaultMediaType string   `yaml:"default_media_type"`
	TimesliceMS      int      `yaml:"timeslice_ms"`
	RawPCM           bool     `yaml:"raw_pcm"`
	SampleRate       int      `yaml:"sample_rate"`
	Channels         int      `yaml:"channels"`
}

type ProviderConfig struct {
	Transcriber       string  `yaml:"transcriber"` // mock, openai, exec
	Completer         string  `yaml:"completer"`   // mock, openai, ollama, exec
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	OllamaEndpoint    string  `yaml:"ollama_endpoint"`
	TranscribeCommand string  `yaml:"transcribe_command"`
	CompleteCommand   string  `yaml:"complete_command"`
	Temperature       float64 `yaml:"temperature"`
}

type AnalysisConfig struct {
	TranscriptionModel string `yaml:"transcription_model"`
	AnalysisModel      string `yaml:"analysis_model"`
	Language           string `yaml:"language"`
	MaxAttempts        int    `yaml:"max_attempts"`
	InitialDelayMS     int    `yaml:"initial_delay_ms"`
	MaxDelayMS         int    `yaml:"max_delay_ms"`
	StageTimeoutMS     int    `yaml:"stage_timeout_ms"`
	Verbose            bool   `yaml:"verbose"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-accent",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			MaxUploadBytes: 25 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/accent-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Recorder: RecorderConfig{
			Mode:             "mock",
			SupportedTypes:   []string{"audio/webm", "audio/webm;codecs=opus", "audio/ogg"},
			DefaultMediaType: "audio/webm",
			TimesliceMS:      200,
			SampleRate:       16000,
			Channels:         1,
		},
		Provider: ProviderConfig{
			Transcriber:    "mock",
			Completer:      "mock",
			OllamaEndpoint: "http://localhost:11434",
			Temperature:    0.5,
		},
		Analysis: AnalysisConfig{
			TranscriptionModel: "whisper-1",
			AnalysisModel:      "gpt-4",
			Language:           "en",
			MaxAttempts:        3,
			InitialDelayMS:     1000,
			MaxDelayMS:         10000,
			StageTimeoutMS:     60000,
			Verbose:            true,
		},
	}
}

// Load reads the optional .env file, the YAML config at path (if any), applies
// ACCENT_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if cfg.Bus.MaxPayloadBytes <= 0 {
		limit := BusPayloadLimit(cfg.HTTP.MaxUploadBytes)
		if limit > MaxBusPayload {
			return cfg, fmt.Errorf("http.max_upload_bytes is too large to carry over the bus (needs %d bytes, max %d)", limit, MaxBusPayload)
		}
		cfg.Bus.MaxPayloadBytes = int32(limit)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "ACCENT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ACCENT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ACCENT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ACCENT_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "ACCENT_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "ACCENT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ACCENT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ACCENT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "ACCENT_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "ACCENT_TELEMETRY_METRICS_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "ACCENT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ACCENT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ACCENT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ACCENT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ACCENT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ACCENT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ACCENT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ACCENT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ACCENT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ACCENT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ACCENT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ACCENT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ACCENT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "ACCENT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ACCENT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Recorder.Mode, "ACCENT_RECORDER_MODE")
	overrideString(&cfg.Recorder.Command, "ACCENT_RECORDER_COMMAND")
	overrideStringSlice(&cfg.Recorder.SupportedTypes, "ACCENT_RECORDER_SUPPORTED_TYPES")
	overrideString(&cfg.Recorder.DefaultMediaType, "ACCENT_RECORDER_DEFAULT_MEDIA_TYPE")
	overrideInt(&cfg.Recorder.TimesliceMS, "ACCENT_RECORDER_TIMESLICE_MS")
	overrideBool(&cfg.Recorder.RawPCM, "ACCENT_RECORDER_RAW_PCM")
	overrideInt(&cfg.Recorder.SampleRate, "ACCENT_RECORDER_SAMPLE_RATE")
	overrideInt(&cfg.Recorder.Channels, "ACCENT_RECORDER_CHANNELS")
	overrideString(&cfg.Provider.Transcriber, "ACCENT_PROVIDER_TRANSCRIBER")
	overrideString(&cfg.Provider.Completer, "ACCENT_PROVIDER_COMPLETER")
	overrideString(&cfg.Provider.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Provider.APIKey, "ACCENT_PROVIDER_API_KEY")
	overrideString(&cfg.Provider.BaseURL, "ACCENT_PROVIDER_BASE_URL")
	overrideString(&cfg.Provider.OllamaEndpoint, "ACCENT_PROVIDER_OLLAMA_ENDPOINT")
	overrideString(&cfg.Provider.TranscribeCommand, "ACCENT_PROVIDER_TRANSCRIBE_COMMAND")
	overrideString(&cfg.Provider.CompleteCommand, "ACCENT_PROVIDER_COMPLETE_COMMAND")
	overrideFloat(&cfg.Provider.Temperature, "ACCENT_PROVIDER_TEMPERATURE")
	overrideString(&cfg.Analysis.TranscriptionModel, "ACCENT_ANALYSIS_TRANSCRIPTION_MODEL")
	overrideString(&cfg.Analysis.AnalysisModel, "ACCENT_ANALYSIS_MODEL")
	overrideString(&cfg.Analysis.Language, "ACCENT_ANALYSIS_LANGUAGE")
	overrideInt(&cfg.Analysis.MaxAttempts, "ACCENT_ANALYSIS_MAX_ATTEMPTS")
	overrideInt(&cfg.Analysis.InitialDelayMS, "ACCENT_ANALYSIS_INITIAL_DELAY_MS")
	overrideInt(&cfg.Analysis.MaxDelayMS, "ACCENT_ANALYSIS_MAX_DELAY_MS")
	overrideInt(&cfg.Analysis.StageTimeoutMS, "ACCENT_ANALYSIS_STAGE_TIMEOUT_MS")
	overrideBool(&cfg.Analysis.Verbose, "ACCENT_ANALYSIS_VERBOSE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// MaxBusPayload is the largest message the embedded NATS server accepts
// without raising its pending-bytes limit.
const MaxBusPayload = 64 << 20

// busEnvelopeBytes covers the JSON fields around the audio in a request.
const busEnvelopeBytes = 64 << 10

// BusPayloadLimit returns the message size needed to carry uploadBytes of
// audio, base64-encoded inside a JSON analysis request.
func BusPayloadLimit(uploadBytes int64) int64 {
	return (uploadBytes+2)/3*4 + busEnvelopeBytes
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.MaxPayloadBytes > MaxBusPayload {
			return fmt.Errorf("bus.max_payload_bytes must not exceed %d", MaxBusPayload)
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Recorder.Mode {
	case "mock":
	case "exec":
		if cfg.Recorder.Command == "" {
			return errors.New("recorder.command must be set when mode=exec")
		}
	default:
		return errors.New("recorder.mode must be one of mock|exec")
	}
	if cfg.Recorder.TimesliceMS <= 0 {
		return errors.New("recorder.timeslice_ms must be positive")
	}
	if cfg.Recorder.RawPCM && (cfg.Recorder.SampleRate <= 0 || cfg.Recorder.Channels <= 0) {
		return errors.New("recorder.sample_rate and recorder.channels must be positive when raw_pcm is set")
	}
	switch cfg.Provider.Transcriber {
	case "mock":
	case "openai":
		if cfg.Provider.APIKey == "" {
			return errors.New("provider.api_key (or OPENAI_API_KEY) must be set when transcriber=openai")
		}
	case "exec":
		if cfg.Provider.TranscribeCommand == "" {
			return errors.New("provider.transcribe_command must be set when transcriber=exec")
		}
	default:
		return errors.New("provider.transcriber must be one of mock|openai|exec")
	}
	switch cfg.Provider.Completer {
	case "mock":
	case "openai":
		if cfg.Provider.APIKey == "" {
			return errors.New("provider.api_key (or OPENAI_API_KEY) must be set when completer=openai")
		}
	case "ollama":
		if cfg.Provider.OllamaEndpoint == "" {
			return errors.New("provider.ollama_endpoint must be set when completer=ollama")
		}
	case "exec":
		if cfg.Provider.CompleteCommand == "" {
			return errors.New("provider.complete_command must be set when completer=exec")
		}
	default:
		return errors.New("provider.completer must be one of mock|openai|ollama|exec")
	}
	if cfg.Analysis.MaxAttempts <= 0 {
		return errors.New("analysis.max_attempts must be >= 1")
	}
	if cfg.Analysis.InitialDelayMS < 0 || cfg.Analysis.MaxDelayMS < cfg.Analysis.InitialDelayMS {
		return errors.New("analysis.max_delay_ms must be >= analysis.initial_delay_ms >= 0")
	}
	if cfg.Analysis.Language == "" {
		return errors.New("analysis.language must not be empty")
	}
	return nil
}
