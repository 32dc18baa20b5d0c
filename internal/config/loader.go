package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validProviderNames = map[string][]string{
	"asr": {"deepgram", "openai", "assemblyai", "groq"},
	"llm": {"openai", "groq", "anthropic", "google"},
	"tts": {"lokutor"},
}

// Load reads the YAML configuration file at path and returns a validated
// Config. It is a convenience wrapper around LoadFromReader.
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
// Unknown fields are rejected rather than silently ignored.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in every tunable's documented default for fields
// left at their YAML zero value.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.UIListenAddr == "" {
		cfg.Server.UIListenAddr = ":8090"
	}
	if cfg.Server.PromptsDir == "" {
		cfg.Server.PromptsDir = "internal/prompts/templates"
	}
	if cfg.VAP.Threshold == 0 {
		cfg.VAP.Threshold = 0.75
	}
	if cfg.Dialogue.HistoryLength == 0 {
		cfg.Dialogue.HistoryLength = 5
	}
	if cfg.Dialogue.MaxMessagesInContext == 0 {
		cfg.Dialogue.MaxMessagesInContext = 5
	}
	if cfg.Dialogue.ResponseGenerationTimeoutSecs == 0 {
		cfg.Dialogue.ResponseGenerationTimeoutSecs = 3
	}
	if cfg.Dialogue.MaxSilenceTimeSecs == 0 {
		cfg.Dialogue.MaxSilenceTimeSecs = 5
	}
	if cfg.Dialogue.BargeInStability == 0 {
		cfg.Dialogue.BargeInStability = 0.5
	}
	if cfg.ChatGPT.SplitPattern == "" {
		cfg.ChatGPT.SplitPattern = ",.?!"
	}
	if cfg.ChatGPT.MaxTokens == 0 {
		cfg.ChatGPT.MaxTokens = 1024
	}
	if cfg.TextVAP.MaxVerbalBackchannelNum == 0 {
		cfg.TextVAP.MaxVerbalBackchannelNum = 2
	}
	if cfg.TextVAP.Interval == 0 {
		cfg.TextVAP.Interval = 3
	}
	if cfg.Intention.MaxTimeoutNum == 0 {
		cfg.Intention.MaxTimeoutNum = 3
	}
	if cfg.Intention.BlockTimeSecs == 0 {
		cfg.Intention.BlockTimeSecs = 10
	}
}

// Validate checks that cfg contains a coherent set of values, returning a
// single joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.Server.LogLevel] {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName(&errs, "asr", cfg.Providers.ASR.Name)
	validateProviderName(&errs, "llm", cfg.Providers.LLM.Name)
	validateProviderName(&errs, "tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no llm provider configured; the dialogue controller will have nothing to generate responses with")
	}

	if cfg.VAP.Threshold < 0 || cfg.VAP.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vap.threshold %v must be within [0, 1]", cfg.VAP.Threshold))
	}
	if cfg.Dialogue.BargeInStability < 0 || cfg.Dialogue.BargeInStability > 1 {
		errs = append(errs, fmt.Errorf("dialogue.barge_in_stability %v must be within [0, 1]", cfg.Dialogue.BargeInStability))
	}
	if cfg.Dialogue.ResponseGenerationTimeoutSecs <= 0 {
		errs = append(errs, fmt.Errorf("dialogue.response_generation_timeout must be positive, got %v", cfg.Dialogue.ResponseGenerationTimeoutSecs))
	}
	if cfg.Dialogue.MaxSilenceTimeSecs <= 0 {
		errs = append(errs, fmt.Errorf("dialogue.max_silence_time must be positive, got %v", cfg.Dialogue.MaxSilenceTimeSecs))
	}
	if cfg.TextVAP.Interval <= 0 {
		errs = append(errs, fmt.Errorf("text_vap.interval must be positive, got %v", cfg.TextVAP.Interval))
	}

	return errors.Join(errs...)
}

func validateProviderName(errs *[]error, kind, name string) {
	if name == "" {
		return
	}
	for _, valid := range validProviderNames[kind] {
		if valid == name {
			return
		}
	}
	*errs = append(*errs, fmt.Errorf("providers.%s.name %q is not a recognized provider; valid values: %v", kind, name, validProviderNames[kind]))
}
