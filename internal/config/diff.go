package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true when any speech voice setting changed.
	VoiceChanged bool
	NewSpeech    SpeechConfig

	// EndPhrasesChanged is true when the end phrase list or the phonetic
	// toggle changed. It applies to sessions started after the reload.
	EndPhrasesChanged bool

	// RestartRequired lists top-level sections that changed but cannot be
	// applied without a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Speech != new.Speech {
		d.VoiceChanged = true
		d.NewSpeech = new.Speech
	}

	if old.Session.PhoneticEndPhrases != new.Session.PhoneticEndPhrases ||
		!equalStrings(old.Session.EndPhrases, new.Session.EndPhrases) {
		d.EndPhrasesChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) ||
		!equalStrings(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Auth != new.Auth {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	if !equalProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// equalProviders compares provider selections by name, model, endpoint and key.
// Options maps are not compared.
func equalProviders(a, b ProvidersConfig) bool {
	lists := [][2][]ProviderEntry{
		{{a.LLM, a.STT, a.TTS, a.Embeddings, a.VAD}, {b.LLM, b.STT, b.TTS, b.Embeddings, b.VAD}},
		{a.LLMFallbacks, b.LLMFallbacks},
		{a.STTFallbacks, b.STTFallbacks},
		{a.TTSFallbacks, b.TTSFallbacks},
	}
	for _, l := range lists {
		if len(l[0]) != len(l[1]) {
			return false
		}
		for i := range l[0] {
			x, y := l[0][i], l[1][i]
			if x.Name != y.Name || x.Model != y.Model || x.BaseURL != y.BaseURL || x.APIKey != y.APIKey {
				return false
			}
		}
	}
	return true
}
