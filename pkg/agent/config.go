package agent

import (
	"github.com/voxlabs/voicebridge/pkg/configutil"
)

const (
	DefaultModel           = "gpt-4o-mini"
	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 150
	DefaultStability       = 0.5
	DefaultSimilarityBoost = 0.8
)

// Voice holds synthesis voice settings for an agent.
type Voice struct {
	VoiceID         string  `mapstructure:"voice_id"`
	Stability       float64 `mapstructure:"stability"`
	SimilarityBoost float64 `mapstructure:"similarity_boost"`
}

// Config is the fixed schema for agent configuration. It is resolved once
// at session start and immutable afterwards.
type Config struct {
	Name        string  `mapstructure:"name"`
	Persona     string  `mapstructure:"persona"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Voice       Voice   `mapstructure:"voice"`
}

// WithDefaults fills every optional field with its default.
func (c Config) WithDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Voice.Stability <= 0 {
		c.Voice.Stability = DefaultStability
	}
	if c.Voice.SimilarityBoost <= 0 {
		c.Voice.SimilarityBoost = DefaultSimilarityBoost
	}
	return c
}

// Decode builds a Config from a loosely-shaped settings map, then applies
// defaults. Keys match case/underscore/hyphen insensitively.
func Decode(input map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.DecodeSettings(input, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.WithDefaults(), nil
}
