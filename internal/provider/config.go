package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog/log"
)

// Provider kinds.
const (
	KindGemini    = "gemini"
	KindOpenAI    = "openai"
	KindDashScope = "dashscope"
	KindBedrock   = "bedrock"
	KindMoondream = "moondream"
)

// VideoPromptPrefix is prepended to video questions unless configured otherwise.
const VideoPromptPrefix = "请分析这个视频的整体内容，包括环境、人物、动作、时间变化等动态信息："

// Config describes one configured provider. It is loaded once and read-only
// afterwards.
type Config struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Region  string `yaml:"region"`

	// SupportsImage and SupportsVideo override the kind's defaults.
	SupportsImage *bool `yaml:"supports_image"`
	SupportsVideo *bool `yaml:"supports_video"`

	// Class is the rate-limit class. Defaults per kind.
	Class string `yaml:"class"`

	// MinInterval overrides the class interval.
	MinInterval time.Duration `yaml:"min_interval"`

	// MaxEncodedBytes is the wire ceiling for inline video.
	MaxEncodedBytes int64 `yaml:"max_encoded_bytes"`

	// Timeout bounds one HTTP round trip.
	Timeout time.Duration `yaml:"timeout"`

	MaxTokens    int    `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`
}

type kindDefaults struct {
	class   string
	model   string
	baseURL string
	caps    Capabilities
}

var defaultsByKind = map[string]kindDefaults{
	KindGemini: {
		class: "gemini",
		model: "gemini-2.5-flash",
		caps:  Capabilities{SupportsImage: true, SupportsVideo: true},
	},
	KindOpenAI: {
		class:   "openai",
		model:   "gpt-4o",
		baseURL: "https://api.openai.com/v1",
		caps:    Capabilities{SupportsImage: true, SupportsVideo: true},
	},
	KindDashScope: {
		class:   "qwen",
		model:   "qwen-vl-max",
		baseURL: "https://dashscope.aliyuncs.com/api/v1",
		caps:    Capabilities{SupportsImage: true, SupportsVideo: true},
	},
	KindBedrock: {
		class: "claude",
		model: "anthropic.claude-3-5-sonnet-20241022-v2:0",
		caps:  Capabilities{SupportsImage: true, SupportsVideo: false},
	},
	KindMoondream: {
		class:   "moondream",
		baseURL: "https://api.moondream.ai/v1",
		caps:    Capabilities{SupportsImage: true, SupportsVideo: false},
	},
}

// WithDefaults fills unset fields from the kind's defaults.
func (c Config) WithDefaults() (Config, error) {
	d, ok := defaultsByKind[c.Kind]
	if !ok {
		return c, fmt.Errorf("provider %q: unknown kind %q", c.Name, c.Kind)
	}
	if c.Name == "" {
		c.Name = c.Kind
	}
	if c.Class == "" {
		c.Class = d.class
	}
	if c.Model == "" {
		c.Model = d.model
	}
	if c.BaseURL == "" {
		c.BaseURL = d.baseURL
	}
	if c.SupportsImage == nil {
		c.SupportsImage = aws.Bool(d.caps.SupportsImage)
	}
	if c.SupportsVideo == nil {
		c.SupportsVideo = aws.Bool(d.caps.SupportsVideo)
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	return c, nil
}

// Capabilities returns the effective capability flags.
func (c Config) Capabilities() Capabilities {
	return Capabilities{
		SupportsImage: aws.ToBool(c.SupportsImage),
		SupportsVideo: aws.ToBool(c.SupportsVideo),
	}
}

// Deps carries shared clients used when constructing providers.
type Deps struct {
	HTTPClient *http.Client
	AWSConfig  *aws.Config
}

// New constructs the adapter for cfg. The variant is fixed here and never
// re-dispatched per call.
func New(ctx context.Context, cfg Config, deps Deps) (Provider, error) {
	cfg, err := cfg.WithDefaults()
	if err != nil {
		return nil, err
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	switch cfg.Kind {
	case KindGemini:
		return NewGemini(ctx, cfg, httpClient)
	case KindOpenAI:
		return NewOpenAI(cfg, httpClient), nil
	case KindDashScope:
		return NewDashScope(cfg, httpClient), nil
	case KindBedrock:
		return NewBedrock(ctx, cfg, deps.AWSConfig)
	case KindMoondream:
		return NewMoondream(cfg, httpClient), nil
	}
	return nil, fmt.Errorf("provider %q: unknown kind %q", cfg.Name, cfg.Kind)
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
	configs   map[string]Config
	fallback  string
}

// NewRegistry builds every provider in cfgs. The first entry is the default
// unless defaultName names another. Providers that fail to construct are
// logged and skipped; an empty registry is an error.
func NewRegistry(ctx context.Context, cfgs []Config, defaultName string, deps Deps) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider), configs: make(map[string]Config)}
	for _, c := range cfgs {
		full, err := c.WithDefaults()
		if err != nil {
			log.Warn().Err(err).Msg("Skipping provider")
			continue
		}
		p, err := New(ctx, full, deps)
		if err != nil {
			log.Warn().Err(err).Str("provider", full.Name).Msg("Skipping provider")
			continue
		}
		r.Add(p, full)
		if r.fallback == "" {
			r.fallback = full.Name
		}
	}
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no usable providers configured")
	}
	if defaultName != "" {
		if _, ok := r.providers[defaultName]; !ok {
			return nil, fmt.Errorf("default provider %q is not configured", defaultName)
		}
		r.fallback = defaultName
	}
	return r, nil
}

// Add registers p under its name.
func (r *Registry) Add(p Provider, cfg Config) {
	if r.providers == nil {
		r.providers = make(map[string]Provider)
		r.configs = make(map[string]Config)
	}
	r.providers[p.Name()] = p
	r.configs[p.Name()] = cfg
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, Config, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, Config{}, fmt.Errorf("unknown provider %q", name)
	}
	return p, r.configs[name], nil
}

// Default returns the default provider name.
func (r *Registry) Default() string { return r.fallback }

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
