package config

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/provider"
	"github.com/fpang/mediaquery/internal/query"
	"github.com/fpang/mediaquery/internal/ratelimit"
	"github.com/fpang/mediaquery/internal/retry"
	"github.com/fpang/mediaquery/internal/transcode"
)

// Runtime is the assembled query pipeline.
type Runtime struct {
	Registry    *provider.Registry
	Limiter     *ratelimit.Limiter
	Coordinator *retry.Coordinator
	Transcoder  *transcode.FFmpeg
	Service     *query.Service
}

// PhraseClassifier compiles the configured failure tables.
func (c *Config) PhraseClassifier() (*retry.PhraseClassifier, error) {
	classifier, err := retry.NewPhraseClassifier(c.Classifier.Base, retry.MergeProviderTables(c.Classifier.Providers))
	if err != nil {
		return nil, fmt.Errorf("classifier tables: %w", err)
	}
	return classifier, nil
}

// Build constructs providers, the limiter, the retry coordinator, the
// transcoder and the query service. Keys must already be resolved.
func (c *Config) Build(ctx context.Context, deps provider.Deps) (*Runtime, error) {
	registry, err := provider.NewRegistry(ctx, c.Providers, c.DefaultProvider, deps)
	if err != nil {
		return nil, err
	}

	classifier, err := c.PhraseClassifier()
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(c.IntervalTable(), nil)
	coordinator := retry.New(limiter, classifier, retry.WithPolicy(c.Policy()))

	ff, err := transcode.New(ctx, c.TranscodeOptions())
	if err != nil {
		return nil, err
	}

	log.Info().
		Strs("providers", registry.Names()).
		Str("default", registry.Default()).
		Msg("Query pipeline ready")

	return &Runtime{
		Registry:    registry,
		Limiter:     limiter,
		Coordinator: coordinator,
		Transcoder:  ff,
		Service:     query.New(registry, coordinator, ff, c.QueryOptions()),
	}, nil
}
