package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/tablecall/internal/business"
)

// ValidProviderNames lists the provider names known per kind. Unknown
// names only log a warning so that out-of-tree factories can be registered.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram"},
	"llm":        {"groq", "openai", "ollama", "anthropic", "gemini", "mistral", "deepseek"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai"},
}

// Load reads, overrides from the environment and validates the YAML file
// at path.
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

// LoadFromReader decodes YAML from r, applies TABLECALL_* environment
// overrides and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and deployment settings from the environment.
// lookup is usually [os.LookupEnv]. Variables set to the empty string are
// applied too, so a secret can be cleared.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	vars := map[string]*string{
		"TABLECALL_LISTEN_ADDR":          &cfg.Server.ListenAddr,
		"TABLECALL_PUBLIC_URL":           &cfg.Server.PublicURL,
		"TABLECALL_STT_API_KEY":          &cfg.Providers.STT.APIKey,
		"TABLECALL_LLM_API_KEY":          &cfg.Providers.LLM.APIKey,
		"TABLECALL_LLM_FALLBACK_API_KEY": &cfg.Providers.LLMFallback.APIKey,
		"TABLECALL_TTS_API_KEY":          &cfg.Providers.TTS.APIKey,
		"TABLECALL_TTS_FALLBACK_API_KEY": &cfg.Providers.TTSFallback.APIKey,
		"TABLECALL_EMBEDDINGS_API_KEY":   &cfg.Providers.Embeddings.APIKey,
		"TABLECALL_CALLER_HASH_PEPPER":   &cfg.Calls.CallerHashPepper,
		"TABLECALL_POSTGRES_DSN":         &cfg.Database.PostgresDSN,
		"TABLECALL_REDIS_ADDR":           &cfg.Redis.Addr,
		"TABLECALL_REDIS_PASSWORD":       &cfg.Redis.Password,
		"TABLECALL_FOLLOWUP_WEBHOOK_URL": &cfg.Followups.WebhookURL,
		"TABLECALL_FOLLOWUP_AUTH_TOKEN":  &cfg.Followups.AuthToken,
	}
	for name, dst := range vars {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	if v, ok := lookup("TABLECALL_LOG_LEVEL"); ok {
		cfg.Log.Level = LogLevel(v)
	}
}

// Validate reports every problem in cfg, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q is not an absolute URL", cfg.Server.PublicURL))
		}
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}

	if !cfg.Providers.LLM.Configured() {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	warnUnknownProvider("stt", cfg.Providers.STT.Name)
	warnUnknownProvider("llm", cfg.Providers.LLM.Name)
	warnUnknownProvider("llm", cfg.Providers.LLMFallback.Name)
	warnUnknownProvider("tts", cfg.Providers.TTS.Name)
	warnUnknownProvider("tts", cfg.Providers.TTSFallback.Name)
	warnUnknownProvider("embeddings", cfg.Providers.Embeddings.Name)
	if cfg.Providers.TTSFallback.Configured() && !cfg.Providers.TTS.Configured() {
		errs = append(errs, errors.New("providers.tts_fallback requires providers.tts"))
	}
	if cfg.Providers.LLMFallback.Configured() && cfg.Providers.LLMFallback.Name == cfg.Providers.LLM.Name &&
		cfg.Providers.LLMFallback.Model == cfg.Providers.LLM.Model {
		slog.Warn("providers.llm_fallback repeats providers.llm; failover will not help")
	}

	p := cfg.Pipeline
	switch p.SampleRate {
	case 0, 8000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d is invalid; valid values: 8000, 16000, 24000, 48000", p.SampleRate))
	}
	for name, d := range map[string]time.Duration{
		"recognition_timeout": p.RecognitionTimeout,
		"generation_timeout":  p.GenerationTimeout,
		"synthesis_timeout":   p.SynthesisTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative", name))
		}
	}
	if p.Voice.SpeedFactor != 0 && (p.Voice.SpeedFactor < 0.5 || p.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("pipeline.voice.speed_factor %.2f is out of range [0.5, 2.0]", p.Voice.SpeedFactor))
	}

	if cfg.Calls.MaxConcurrent < 0 {
		errs = append(errs, errors.New("calls.max_concurrent must not be negative"))
	}
	if cfg.Calls.CallerHashPepper == "" {
		slog.Warn("calls.caller_hash_pepper is empty; caller hashes are guessable from phone numbers")
	}
	if cfg.RateLimit.TPM < 0 || cfg.RateLimit.RPM < 0 {
		errs = append(errs, errors.New("ratelimit.tpm and ratelimit.rpm must not be negative"))
	}

	errs = append(errs, validateBusinesses(cfg.Businesses)...)

	if cfg.Knowledge.Enabled {
		if cfg.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("knowledge.enabled requires database.postgres_dsn"))
		}
		if !cfg.Providers.Embeddings.Configured() {
			errs = append(errs, errors.New("knowledge.enabled requires providers.embeddings"))
		}
	}
	if cfg.Knowledge.TopK < 0 {
		errs = append(errs, errors.New("knowledge.top_k must not be negative"))
	}
	if cfg.Followups.WebhookURL != "" && cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("followups.webhook_url requires redis.addr"))
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; bookings and call records are kept in memory only")
	}

	return errors.Join(errs...)
}

func validateBusinesses(bs []BusinessConfig) []error {
	var errs []error
	if len(bs) == 0 {
		return []error{errors.New("at least one business is required")}
	}
	ids := make(map[string]int, len(bs))
	numbers := make(map[string]string)
	for i, b := range bs {
		prefix := fmt.Sprintf("businesses[%d]", i)
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := ids[b.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of businesses[%d]", prefix, b.ID, prev))
		} else {
			ids[b.ID] = i
		}
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		for _, n := range b.PhoneNumbers {
			norm := business.NormalizeNumber(n)
			if len(norm) < 6 {
				errs = append(errs, fmt.Errorf("%s.phone_numbers: %q is not a phone number", prefix, n))
				continue
			}
			if owner, ok := numbers[norm]; ok {
				errs = append(errs, fmt.Errorf("%s.phone_numbers: %q is already routed to %q", prefix, n, owner))
				continue
			}
			numbers[norm] = b.ID
		}
		if b.Timezone != "" {
			if _, err := time.LoadLocation(b.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("%s.timezone %q: %w", prefix, b.Timezone, err))
			}
		}
		if _, err := b.Profile(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		r := b.Rules
		if r.MinPartySize > 0 && r.MaxPhonePartySize > 0 && r.MinPartySize > r.MaxPhonePartySize {
			errs = append(errs, fmt.Errorf("%s.rules: min_party_size %d exceeds max_phone_party_size %d", prefix, r.MinPartySize, r.MaxPhonePartySize))
		}
	}
	return errs
}

func warnUnknownProvider(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind, "name", name, "known", ValidProviderNames[kind])
}
