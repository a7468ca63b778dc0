// Package query answers one question about one media item.
//
// Service is the single-item facade the batch orchestrator, the CLI and the
// MCP server all call. It materializes the item, prepares the payload
// (image normalization, or the planner-driven compression loop for video),
// and runs the provider call under the retry coordinator. It never returns
// an error: every request ends in a provider.QueryResult.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/media"
	"github.com/fpang/mediaquery/internal/metrics"
	"github.com/fpang/mediaquery/internal/planner"
	"github.com/fpang/mediaquery/internal/provider"
	"github.com/fpang/mediaquery/internal/retry"
	"github.com/fpang/mediaquery/internal/transcode"
)

// Request is one question about one item. Provider selects a configured
// provider by name; empty means the registry default.
type Request struct {
	Item     media.Item
	Question string
	Provider string
}

// Providers resolves provider names. *provider.Registry implements it.
type Providers interface {
	Get(name string) (provider.Provider, provider.Config, error)
}

// Options tunes payload preparation.
type Options struct {
	// MaxImageDimension bounds the longest image edge (0 = media default).
	MaxImageDimension int

	// VideoPromptPrefix is prepended to video questions. Empty disables it.
	VideoPromptPrefix string

	// IncludeImageMetadata appends EXIF date, location and camera to image
	// questions when present.
	IncludeImageMetadata bool
}

// Service runs single-item queries.
type Service struct {
	providers  Providers
	retry      *retry.Coordinator
	compressor transcode.Compressor
	opts       Options
}

// New builds a Service. compressor may be nil, in which case videos over the
// size ceiling fail permanently.
func New(providers Providers, coordinator *retry.Coordinator, compressor transcode.Compressor, opts Options) *Service {
	return &Service{
		providers:  providers,
		retry:      coordinator,
		compressor: compressor,
		opts:       opts,
	}
}

// SubmitQuery answers req. The returned result always carries the item ID,
// the question and the provider name.
func (s *Service) SubmitQuery(ctx context.Context, req Request) provider.QueryResult {
	start := time.Now()
	res := s.submit(ctx, req)
	res.ItemID = req.Item.ID
	res.Question = req.Question
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	ev := log.Info()
	if !res.OK() {
		ev = log.Warn().Str("class", string(res.Class)).Str("error", res.Message)
	}
	ev.Str("item", req.Item.ID).
		Str("provider", res.Provider).
		Str("tier", res.Tier).
		Int("attempts", res.Attempts).
		Dur("duration", res.Duration).
		Msg("Query finished")
	return res
}

func (s *Service) submit(ctx context.Context, req Request) provider.QueryResult {
	p, cfg, err := s.providers.Get(req.Provider)
	if err != nil {
		res := provider.Failed(provider.ClassPermanent, err.Error())
		res.Provider = req.Provider
		return res
	}
	if !p.Capabilities().Supports(req.Item.Kind) {
		res := provider.Failed(provider.ClassUnsupported,
			fmt.Sprintf("%s does not support %s input", p.Name(), req.Item.Kind))
		res.Provider = p.Name()
		return res
	}
	if req.Item.Source == nil {
		res := provider.Failed(provider.ClassPermanent, "item has no payload")
		res.Provider = p.Name()
		return res
	}

	path, release, err := req.Item.Source.Materialize(ctx)
	if err != nil {
		res := failure(ctx, err, "failed to load item")
		res.Provider = p.Name()
		return res
	}
	defer release()

	switch req.Item.Kind {
	case media.KindImage:
		return s.queryImage(ctx, p, path, req.Question)
	case media.KindVideo:
		return s.queryVideo(ctx, p, cfg, path, req.Question)
	}
	res := provider.Failed(provider.ClassUnsupported, "unknown media kind")
	res.Provider = p.Name()
	return res
}

func (s *Service) queryImage(ctx context.Context, p provider.Provider, path, question string) provider.QueryResult {
	img, err := media.LoadImage(path, s.opts.MaxImageDimension)
	if err != nil {
		res := provider.Failed(provider.ClassPermanent, err.Error())
		res.Provider = p.Name()
		return res
	}
	if s.opts.IncludeImageMetadata {
		question = withMetadata(path, question)
	}
	return s.retry.Execute(ctx, p.Class(), p.Name(), func(ctx context.Context) (provider.Answer, error) {
		return p.Query(ctx, img, question)
	})
}

// queryVideo runs the compression loop: each planned tier is tried against
// the original until one output fits the raw ceiling. The surviving output
// is queried and removed afterwards; rejected outputs are removed at once.
func (s *Service) queryVideo(ctx context.Context, p provider.Provider, cfg provider.Config, path, question string) provider.QueryResult {
	if s.opts.VideoPromptPrefix != "" {
		question = s.opts.VideoPromptPrefix + question
	}

	size, err := fileSize(path)
	if err != nil {
		res := provider.Failed(provider.ClassPermanent, err.Error())
		res.Provider = p.Name()
		return res
	}

	plan := planner.New(size, cfg.MaxEncodedBytes)
	if plan.Empty() {
		log.Debug().Str("path", path).Int64("size", size).Msg("Video within size ceiling, sending original")
		return s.runVideo(ctx, p, path, question)
	}
	if s.compressor == nil {
		res := provider.Failed(provider.ClassPermanent,
			fmt.Sprintf("video is %d bytes, over the %d byte ceiling, and no transcoder is configured", size, plan.RawCeiling))
		res.Provider = p.Name()
		return res
	}

	log.Info().
		Str("path", path).
		Int64("size", size).
		Int64("raw_ceiling", plan.RawCeiling).
		Str("first_tier", plan.Tiers[0].Name).
		Int("tier_count", len(plan.Tiers)).
		Msg("Video over size ceiling, compressing")

	var tried []string
	for _, tier := range plan.Tiers {
		out, err := s.compressor.Compress(ctx, path, tier)
		tried = append(tried, tier.Name)
		if err != nil {
			if ctx.Err() != nil {
				res := failure(ctx, err, "compression cancelled")
				res.Provider = p.Name()
				res.Tier = tier.Name
				return res
			}
			log.Warn().Err(err).Str("tier", tier.Name).Msg("Compression tier failed, escalating")
			continue
		}
		if !plan.Accepts(out.Size) {
			log.Info().
				Str("tier", tier.Name).
				Int64("output_size", out.Size).
				Int64("raw_ceiling", plan.RawCeiling).
				Msg("Compressed video still over ceiling, escalating")
			out.Remove()
			continue
		}

		return s.queryCompressed(ctx, p, out, question)
	}

	metrics.New().
		Dimension("Provider", p.Name()).
		Count("CompressionExhausted").
		Flush()
	res := provider.Failed(provider.ClassPermanent,
		fmt.Sprintf("video could not be compressed under %d bytes (tried %s)", plan.RawCeiling, strings.Join(tried, ", ")))
	res.Provider = p.Name()
	if len(tried) > 0 {
		res.Tier = tried[len(tried)-1]
	}
	return res
}

// queryCompressed sends an accepted tier output. The output is removed on
// every return path.
func (s *Service) queryCompressed(ctx context.Context, p provider.Provider, out transcode.Output, question string) provider.QueryResult {
	defer out.Remove()
	res := s.runVideo(ctx, p, out.Path, question)
	res.Tier = out.Tier
	return res
}

func (s *Service) runVideo(ctx context.Context, p provider.Provider, path, question string) provider.QueryResult {
	return s.retry.Execute(ctx, p.Class(), p.Name(), func(ctx context.Context) (provider.Answer, error) {
		return p.QueryVideo(ctx, path, question)
	})
}

// failure converts a pre-call fault into a result, marking it cancelled
// when the context is done.
func failure(ctx context.Context, err error, msg string) provider.QueryResult {
	if ctx.Err() != nil {
		return provider.Failed(provider.ClassCancelled, ctx.Err().Error())
	}
	return provider.Failed(provider.ClassPermanent, fmt.Sprintf("%s: %v", msg, err))
}

func withMetadata(path, question string) string {
	md, err := media.ExtractImageMetadata(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("No image metadata")
		return question
	}
	if c := md.Context(); c != "" {
		return question + "\n\n" + c
	}
	return question
}
