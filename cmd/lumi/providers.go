package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/lumi-journal/lumi/internal/app"
	"github.com/lumi-journal/lumi/internal/config"
	"github.com/lumi-journal/lumi/internal/resilience"
	"github.com/lumi-journal/lumi/pkg/provider/embeddings"
	"github.com/lumi-journal/lumi/pkg/provider/embeddings/ollama"
	oaembed "github.com/lumi-journal/lumi/pkg/provider/embeddings/openai"
	"github.com/lumi-journal/lumi/pkg/provider/llm"
	"github.com/lumi-journal/lumi/pkg/provider/llm/anyllm"
	"github.com/lumi-journal/lumi/pkg/provider/llm/gemini"
	oallm "github.com/lumi-journal/lumi/pkg/provider/llm/openai"
	"github.com/lumi-journal/lumi/pkg/provider/stt"
	oastt "github.com/lumi-journal/lumi/pkg/provider/stt/openai"
	"github.com/lumi-journal/lumi/pkg/provider/stt/whisper"
	"github.com/lumi-journal/lumi/pkg/provider/tts"
	"github.com/lumi-journal/lumi/pkg/provider/tts/coqui"
	"github.com/lumi-journal/lumi/pkg/provider/tts/elevenlabs"
	"github.com/lumi-journal/lumi/pkg/provider/vad"
	"github.com/lumi-journal/lumi/pkg/provider/vad/energy"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// ctx bounds client construction for providers that dial on creation.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(ctx, entry.APIKey, entry.Model, opts...)
	})

	// The remaining backends share the any-llm pattern: optional APIKey plus
	// optional BaseURL. Local servers (ollama, llamacpp, llamafile) only
	// need the BaseURL.
	for _, providerName := range []string{
		"anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollama.Option
		if dims, ok := entry.Options["dimensions"].(int); ok && dims > 0 {
			opts = append(opts, ollama.WithDimensions(dims))
		}
		return ollama.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	for _, kind := range []string{"llm", "stt", "tts", "embeddings", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// fallbackConfig is shared by every provider fallback group.
var fallbackConfig = resilience.FallbackConfig{}

// buildProviders instantiates all providers named in cfg using the registry.
// A provider with fallbacks is wrapped in a circuit-breaking fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	pc := cfg.Providers

	if pc.LLM.Name != "" {
		primary, err := reg.CreateLLM(pc.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", pc.LLM.Name, err)
		}
		ps.LLM = primary
		if len(pc.LLMFallbacks) > 0 {
			group := resilience.NewLLMFallback(primary, pc.LLM.Name, fallbackConfig)
			for _, fb := range pc.LLMFallbacks {
				p, err := reg.CreateLLM(fb)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, p)
			}
			ps.LLM = group
		}
		logCreated("llm", pc.LLM.Name, len(pc.LLMFallbacks))
	}

	if pc.STT.Name != "" {
		primary, err := reg.CreateSTT(pc.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", pc.STT.Name, err)
		}
		ps.STT = primary
		if len(pc.STTFallbacks) > 0 {
			group := resilience.NewSTTFallback(primary, pc.STT.Name, fallbackConfig)
			for _, fb := range pc.STTFallbacks {
				p, err := reg.CreateSTT(fb)
				if err != nil {
					return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, p)
			}
			ps.STT = group
		}
		logCreated("stt", pc.STT.Name, len(pc.STTFallbacks))
	}

	if pc.TTS.Name != "" {
		primary, err := reg.CreateTTS(pc.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", pc.TTS.Name, err)
		}
		ps.TTS = primary
		if len(pc.TTSFallbacks) > 0 {
			group := resilience.NewTTSFallback(primary, pc.TTS.Name, fallbackConfig)
			for _, fb := range pc.TTSFallbacks {
				p, err := reg.CreateTTS(fb)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, p)
			}
			ps.TTS = group
		}
		logCreated("tts", pc.TTS.Name, len(pc.TTSFallbacks))
	}

	if name := pc.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(pc.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown embeddings provider, reflections disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			logCreated("embeddings", name, 0)
		}
	}

	if name := pc.VAD.Name; name != "" {
		p, err := reg.CreateVAD(pc.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		logCreated("vad", name, 0)
	}

	return ps, nil
}

func logCreated(kind, name string, fallbacks int) {
	slog.Info("provider created", "kind", kind, "name", name, "fallbacks", fallbacks)
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
