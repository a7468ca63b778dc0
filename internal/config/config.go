// Package config loads mediaquery settings from a YAML file and the
// environment, and assembles the query pipeline from them.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/fpang/mediaquery/internal/auth"
	"github.com/fpang/mediaquery/internal/provider"
	"github.com/fpang/mediaquery/internal/query"
	"github.com/fpang/mediaquery/internal/ratelimit"
	"github.com/fpang/mediaquery/internal/retry"
	"github.com/fpang/mediaquery/internal/transcode"
)

// Environment overrides.
const (
	EnvProvider = "MEDIAQUERY_PROVIDER"
	EnvFFmpeg   = "MEDIAQUERY_FFMPEG"
	EnvWorkDir  = "MEDIAQUERY_WORK_DIR"
)

// Config is the full application configuration.
type Config struct {
	// DefaultProvider names the provider used when a request names none.
	// Empty selects the first usable entry of Providers.
	DefaultProvider string            `yaml:"default_provider"`
	Providers       []provider.Config `yaml:"providers"`

	// Intervals overrides ratelimit.DefaultIntervals per class.
	Intervals map[string]time.Duration `yaml:"intervals"`

	Retry      RetryConfig      `yaml:"retry"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Media      MediaConfig      `yaml:"media"`
	Transcode  TranscodeConfig  `yaml:"transcode"`
	Secrets    SecretsConfig    `yaml:"secrets"`
}

// RetryConfig overrides retry.DefaultPolicy field by field.
type RetryConfig struct {
	MaxAttempts       int             `yaml:"max_attempts"`
	RateLimitBase     time.Duration   `yaml:"rate_limit_base"`
	RateLimitStep     time.Duration   `yaml:"rate_limit_step"`
	TransientSchedule []time.Duration `yaml:"transient_schedule"`
}

// ClassifierConfig customizes the failure phrase tables. Base replaces
// retry.DefaultTable; Providers are merged over retry.DefaultProviderTables.
type ClassifierConfig struct {
	Base      *retry.Table           `yaml:"base"`
	Providers map[string]retry.Table `yaml:"providers"`
}

// MediaConfig tunes payload preparation.
type MediaConfig struct {
	MaxImageDimension    int  `yaml:"max_image_dimension"`
	IncludeImageMetadata bool `yaml:"include_image_metadata"`

	// VideoPromptPrefix is prepended to video questions. Nil selects
	// provider.VideoPromptPrefix; an empty string disables it.
	VideoPromptPrefix *string `yaml:"video_prompt_prefix"`
}

// TranscodeConfig configures ffmpeg.
type TranscodeConfig struct {
	FFmpeg   string `yaml:"ffmpeg"`
	WorkDir  string `yaml:"work_dir"`
	Hardware *bool  `yaml:"hardware"`
}

// SecretsConfig controls where API keys come from beyond the config file
// and the environment.
type SecretsConfig struct {
	UseSSM        bool   `yaml:"use_ssm"`
	SSMPrefix     string `yaml:"ssm_prefix"`
	CredentialDir string `yaml:"credential_dir"`
}

// DefaultConfig returns the built-in provider list. Entries without a
// resolvable key are dropped by ResolveKeys.
func DefaultConfig() *Config {
	return &Config{
		Providers: []provider.Config{
			{Name: "gemini", Kind: provider.KindGemini},
			{Name: "gpt", Kind: provider.KindOpenAI},
			{Name: "qwen", Kind: provider.KindDashScope},
			{Name: "moondream", Kind: provider.KindMoondream},
		},
	}
}

// AppDir returns the application directory (~/.mediaquery).
func AppDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return auth.DefaultCredentialDir
	}
	return filepath.Join(home, auth.DefaultCredentialDir)
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(AppDir(), "config.yaml")
}

// Load reads config from path, falling back to defaults when the file does
// not exist, then applies environment overrides. An empty path selects
// ConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debug().Str("path", path).Msg("No config file, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		// A file that lists providers replaces the default list.
		cfg.Providers = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if len(cfg.Providers) == 0 {
			cfg.Providers = DefaultConfig().Providers
		}
		log.Debug().Str("path", path).Int("providers", len(cfg.Providers)).Msg("Config loaded")
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies the MEDIAQUERY_* overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvProvider); v != "" {
		c.DefaultProvider = v
	}
	if v := os.Getenv(EnvFFmpeg); v != "" {
		c.Transcode.FFmpeg = v
	}
	if v := os.Getenv(EnvWorkDir); v != "" {
		c.Transcode.WorkDir = v
	}
}

// Validate checks provider entries and numeric settings.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		full, err := p.WithDefaults()
		if err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[full.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, full.Name)
		}
		seen[full.Name] = true
		if p.MinInterval < 0 || p.MaxEncodedBytes < 0 {
			return fmt.Errorf("provider %q: negative limit", full.Name)
		}
	}
	for class, d := range c.Intervals {
		if d < 0 {
			return fmt.Errorf("intervals.%s: negative interval", class)
		}
	}
	if b := c.Classifier.Base; b != nil {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("classifier.base.%w", err)
		}
	}
	for name, t := range c.Classifier.Providers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("classifier.providers.%s.%w", name, err)
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if c.Media.MaxImageDimension < 0 {
		return fmt.Errorf("media.max_image_dimension must be >= 0")
	}
	return nil
}

// ResolveKeys fills APIKey for every provider from the resolver's sources.
// Bedrock uses the AWS credential chain and is left untouched. Providers
// without a key are dropped with a warning.
func (c *Config) ResolveKeys(ctx context.Context, r *auth.Resolver) {
	kept := c.Providers[:0]
	for _, p := range c.Providers {
		full, err := p.WithDefaults()
		if err != nil {
			continue
		}
		if full.Kind == provider.KindBedrock {
			kept = append(kept, p)
			continue
		}
		key, src, err := r.APIKey(ctx, full.Name, full.Kind, p.APIKey)
		if err != nil {
			log.Warn().Err(err).Str("provider", full.Name).Msg("Provider disabled: no API key")
			continue
		}
		log.Debug().Str("provider", full.Name).Str("source", string(src)).Msg("API key resolved")
		p.APIKey = key
		kept = append(kept, p)
	}
	c.Providers = kept
}

// Resolver builds an auth.Resolver from the secrets section. ssm may be nil.
func (c *Config) Resolver(ssm auth.ParameterGetter) *auth.Resolver {
	r := &auth.Resolver{
		SSMPrefix:     c.Secrets.SSMPrefix,
		CredentialDir: c.Secrets.CredentialDir,
	}
	if c.Secrets.UseSSM {
		r.SSM = ssm
	}
	return r
}

// IntervalTable merges the defaults, the intervals section and per-provider
// MinInterval overrides. A provider override applies to its whole class.
func (c *Config) IntervalTable() map[string]time.Duration {
	out := make(map[string]time.Duration, len(ratelimit.DefaultIntervals))
	for k, v := range ratelimit.DefaultIntervals {
		out[k] = v
	}
	for k, v := range c.Intervals {
		out[k] = v
	}
	for _, p := range c.Providers {
		if p.MinInterval == 0 {
			continue
		}
		full, err := p.WithDefaults()
		if err != nil {
			continue
		}
		out[full.Class] = p.MinInterval
	}
	return out
}

// Policy returns the retry policy with overrides applied.
func (c *Config) Policy() retry.Policy {
	p := retry.DefaultPolicy
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.RateLimitBase > 0 {
		p.RateLimitBase = c.Retry.RateLimitBase
	}
	if c.Retry.RateLimitStep > 0 {
		p.RateLimitStep = c.Retry.RateLimitStep
	}
	if len(c.Retry.TransientSchedule) > 0 {
		p.TransientSchedule = c.Retry.TransientSchedule
	}
	return p
}

// QueryOptions returns the payload preparation options.
func (c *Config) QueryOptions() query.Options {
	prefix := provider.VideoPromptPrefix
	if c.Media.VideoPromptPrefix != nil {
		prefix = *c.Media.VideoPromptPrefix
	}
	return query.Options{
		MaxImageDimension:    c.Media.MaxImageDimension,
		VideoPromptPrefix:    prefix,
		IncludeImageMetadata: c.Media.IncludeImageMetadata,
	}
}

// TranscodeOptions returns the ffmpeg options.
func (c *Config) TranscodeOptions() transcode.Options {
	return transcode.Options{
		FFmpegPath: c.Transcode.FFmpeg,
		WorkDir:    c.Transcode.WorkDir,
		Hardware:   c.Transcode.Hardware,
	}
}
