package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "gemini", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"openai", "whisper"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai"},
	"vad":        {"energy"},
}

// validStates are the conversation states that accept a timeout override.
var validStates = []string{"idle", "listening", "processing", "speaking", "waiting_for_user", "waiting_for_ai"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} references are expanded from the environment before decoding, so
// secrets can stay out of the file. Defaults are applied before validation.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageMemory
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = "lumi:"
	}
	if cfg.Conversation.StrictTurns == nil {
		strict := true
		cfg.Conversation.StrictTurns = &strict
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Greeting.Timezone == "" {
		cfg.Greeting.Timezone = "UTC"
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = "development"
	}
	if cfg.Telemetry.SampleRatio == nil {
		all := 1.0
		cfg.Telemetry.SampleRatio = &all
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Auth
	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	} else if len(cfg.Auth.JWTSecret) < 32 {
		slog.Warn("auth.jwt_secret is shorter than 32 bytes")
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; voice input is disabled")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; replies are text only")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; related reflections are disabled")
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for kind, list := range map[string][]ProviderEntry{
		"llm": cfg.Providers.LLMFallbacks,
		"stt": cfg.Providers.STTFallbacks,
		"tts": cfg.Providers.TTSFallbacks,
	} {
		for i, e := range list {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			}
			validateProviderName(kind, e.Name)
		}
	}

	// Storage
	switch cfg.Storage.Backend {
	case StorageSQLite:
		if cfg.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	case StoragePostgres:
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	case StorageMemory, "":
		slog.Warn("storage.backend is memory; journal entries are lost on restart")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Storage.Backend))
	}

	// Conversation
	for name, d := range cfg.Conversation.Timeouts {
		if !slices.Contains(validStates, name) {
			errs = append(errs, fmt.Errorf("conversation.timeouts: unknown state %q", name))
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("conversation.timeouts.%s must not be negative", name))
		}
	}
	if cfg.Conversation.MaxHistory < 0 {
		errs = append(errs, errors.New("conversation.max_history must not be negative"))
	}

	// Session and audio
	if cfg.Session.InactivityTimeout < 0 || cfg.Session.EndDelay < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}
	if cfg.Audio.ChunkEvery < 0 {
		errs = append(errs, errors.New("audio.chunk_every must not be negative"))
	}
	if r := cfg.Audio.InputSampleRate; r != 0 && (r < 8000 || r > 48000) {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [8000, 48000]", r))
	}

	// Speech
	for name, v := range map[string]float64{
		"stability":        cfg.Speech.Stability,
		"similarity_boost": cfg.Speech.SimilarityBoost,
		"style":            cfg.Speech.Style,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("speech.%s %.2f is out of range [0, 1]", name, v))
		}
	}
	if cfg.Speech.MaxFailures < 0 {
		errs = append(errs, errors.New("speech.max_failures must not be negative"))
	}

	// Greeting
	if cfg.Greeting.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Greeting.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("greeting.timezone: %w", err))
		}
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", *r))
	}
	if cfg.Telemetry.SlowTurn < 0 {
		errs = append(errs, errors.New("telemetry.slow_turn must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
