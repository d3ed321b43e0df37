package config_test

import (
	"slices"
	"testing"

	"github.com/lumi-journal/lumi/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, minimalYAML)
	b := mustLoad(t, minimalYAML)

	d := config.Diff(a, b)
	if d.LogLevelChanged || d.VoiceChanged || d.EndPhrasesChanged || len(d.RestartRequired) > 0 {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(config.ConfigDiff) bool
		restart string
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check:  func(d config.ConfigDiff) bool { return d.LogLevelChanged && d.NewLogLevel == config.LogDebug },
		},
		{
			name:   "voice",
			mutate: func(c *config.Config) { c.Speech.VoiceID = "warm-v2" },
			check:  func(d config.ConfigDiff) bool { return d.VoiceChanged && d.NewSpeech.VoiceID == "warm-v2" },
		},
		{
			name:   "end phrases",
			mutate: func(c *config.Config) { c.Session.EndPhrases = []string{"see you lumi"} },
			check:  func(d config.ConfigDiff) bool { return d.EndPhrasesChanged },
		},
		{
			name:   "phonetic toggle",
			mutate: func(c *config.Config) { c.Session.PhoneticEndPhrases = true },
			check:  func(d config.ConfigDiff) bool { return d.EndPhrasesChanged },
		},
		{
			name:    "listen address needs restart",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = ":1234" },
			check:   func(d config.ConfigDiff) bool { return !d.LogLevelChanged },
			restart: "server",
		},
		{
			name:    "provider model needs restart",
			mutate:  func(c *config.Config) { c.Providers.LLM.Model = "gpt-4o" },
			check:   func(d config.ConfigDiff) bool { return true },
			restart: "providers",
		},
		{
			name: "added fallback needs restart",
			mutate: func(c *config.Config) {
				c.Providers.LLMFallbacks = append(c.Providers.LLMFallbacks, config.ProviderEntry{Name: "gemini"})
			},
			check:   func(d config.ConfigDiff) bool { return true },
			restart: "providers",
		},
		{
			name:    "storage needs restart",
			mutate:  func(c *config.Config) { c.Storage.RedisURL = "redis://localhost:6379/0" },
			check:   func(d config.ConfigDiff) bool { return true },
			restart: "storage",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := mustLoad(t, minimalYAML)
			updated := mustLoad(t, minimalYAML)
			tc.mutate(updated)

			d := config.Diff(old, updated)
			if !tc.check(d) {
				t.Errorf("unexpected diff %+v", d)
			}
			if tc.restart != "" && !slices.Contains(d.RestartRequired, tc.restart) {
				t.Errorf("RestartRequired %v should contain %q", d.RestartRequired, tc.restart)
			}
			if tc.restart == "" && len(d.RestartRequired) > 0 {
				t.Errorf("RestartRequired should be empty, got %v", d.RestartRequired)
			}
		})
	}
}
