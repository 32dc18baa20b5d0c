// Package config provides the configuration schema and YAML loader for
// the spoken-dialogue system: provider selection, and the tunables named
// throughout pkg/dialogue, pkg/textvap, and pkg/intention.
package config

import "time"

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	VAP       VAPConfig       `yaml:"vap"`
	Dialogue  DialogueConfig  `yaml:"dialogue"`
	ChatGPT   ChatGPTConfig   `yaml:"chatgpt"`
	TextVAP   TextVAPConfig   `yaml:"text_vap"`
	Intention IntentionConfig `yaml:"intention"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel controls log/slog verbosity. Valid values: "debug", "info",
	// "warn", "error".
	LogLevel string `yaml:"log_level"`

	// UIListenAddr is the address internal/uiserver listens on (e.g. ":8090").
	UIListenAddr string `yaml:"ui_listen_addr"`

	// PromptsDir is the directory internal/prompts.Load reads its three
	// template files from.
	PromptsDir string `yaml:"prompts_dir"`
}

// ProvidersConfig selects which backend to use for each external
// collaborator, and where to find its credentials.
type ProvidersConfig struct {
	ASR ProviderEntry `yaml:"asr"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common shape for a single provider selection.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g.
	// "deepgram", "groq", "openai", "anthropic", "lokutor").
	Name string `yaml:"name"`

	// APIKeyEnv names the environment variable the API key is read from,
	// rather than embedding secrets in the YAML file directly.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// VAPConfig mirrors spec.md §6's VAP section.
type VAPConfig struct {
	// Threshold is the LISTENING -> THINKING turn-ending probability
	// trigger.
	Threshold float64 `yaml:"threshold"`
}

// DialogueConfig mirrors spec.md §6's DIALOGUE section. Timeouts are
// expressed in seconds (fractions allowed) in the YAML file and converted to
// time.Duration via the accessor methods below.
type DialogueConfig struct {
	HistoryLength                 int      `yaml:"history_length"`
	MaxMessagesInContext          int      `yaml:"max_messages_in_context"`
	ResponseGenerationTimeoutSecs float64  `yaml:"response_generation_timeout"`
	MaxSilenceTimeSecs            float64  `yaml:"max_silence_time"`
	Backchannels                  []string `yaml:"backchannels"`
	BargeInStability              float64  `yaml:"barge_in_stability"`
}

// ResponseGenerationTimeout converts ResponseGenerationTimeoutSecs to a
// time.Duration.
func (d DialogueConfig) ResponseGenerationTimeout() time.Duration {
	return time.Duration(d.ResponseGenerationTimeoutSecs * float64(time.Second))
}

// MaxSilenceTime converts MaxSilenceTimeSecs to a time.Duration.
func (d DialogueConfig) MaxSilenceTime() time.Duration {
	return time.Duration(d.MaxSilenceTimeSecs * float64(time.Second))
}

// ChatGPTConfig mirrors spec.md §6's ChatGPT section (named for the
// original reference implementation's LLM section; it configures
// whichever pkg/llmstream adapter Providers.LLM.Name selects).
type ChatGPTConfig struct {
	MaxTokens    int    `yaml:"max_tokens"`
	SplitPattern string `yaml:"split_pattern"`
}

// TextVAPConfig mirrors spec.md §6's TEXT_VAP section.
type TextVAPConfig struct {
	MaxVerbalBackchannelNum int `yaml:"max_verbal_backchannel_num"`

	// Interval gates how many ASR partials the adapter lets pass between
	// suggestion calls: every Interval-th partial triggers a call,
	// independent of the single-in-flight rate limit.
	Interval int `yaml:"interval"`
}

// IntentionConfig mirrors spec.md §6's Intention section. BlockTimeSecs
// is expressed in seconds (fractions allowed) in the YAML file.
type IntentionConfig struct {
	MaxTimeoutNum int     `yaml:"max_timeout_num"`
	BlockTimeSecs float64 `yaml:"block_time"`
}

// BlockTime converts BlockTimeSecs to a time.Duration.
func (c IntentionConfig) BlockTime() time.Duration {
	return time.Duration(c.BlockTimeSecs * float64(time.Second))
}
