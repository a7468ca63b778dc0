package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/mediaquery/internal/media"
)

// Gemini answers questions with the Gemini API, sending media inline.
type Gemini struct {
	cfg    Config
	client *genai.Client
}

// NewGemini creates a Gemini adapter. An empty API key is rejected here so
// misconfiguration surfaces at startup rather than on the first item.
func NewGemini(ctx context.Context, cfg Config, httpClient *http.Client) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %q: missing API key", cfg.Name)
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{cfg: cfg, client: client}, nil
}

func (g *Gemini) Name() string               { return g.cfg.Name }
func (g *Gemini) Class() string              { return g.cfg.Class }
func (g *Gemini) Capabilities() Capabilities { return g.cfg.Capabilities() }

// Query implements Provider.
func (g *Gemini) Query(ctx context.Context, img media.Image, question string) (Answer, error) {
	if !g.Capabilities().SupportsImage {
		return Answer{}, Unsupported(g.cfg.Name, "image")
	}
	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data}},
		{Text: question},
	}
	return g.generate(ctx, parts, nil)
}

// QueryVideo implements Provider.
func (g *Gemini) QueryVideo(ctx context.Context, path string, question string) (Answer, error) {
	if !g.Capabilities().SupportsVideo {
		return Answer{}, Unsupported(g.cfg.Name, "video")
	}
	data, mimeType, err := readVideo(path)
	if err != nil {
		return Answer{}, err
	}
	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
		{Text: question},
	}
	var config *genai.GenerateContentConfig
	if g.cfg.SystemPrompt != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: g.cfg.SystemPrompt}}},
		}
	}
	return g.generate(ctx, parts, config)
}

func (g *Gemini) generate(ctx context.Context, parts []*genai.Part, config *genai.GenerateContentConfig) (Answer, error) {
	if config == nil {
		config = &genai.GenerateContentConfig{}
	}
	if g.cfg.MaxTokens > 0 {
		config.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	log.Debug().
		Str("model", g.cfg.Model).
		Int("part_count", len(parts)).
		Msg("Starting Gemini API call")

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, config)
	duration := time.Since(start)
	if err != nil {
		log.Debug().Err(err).Dur("duration", duration).Msg("Gemini API call failed")
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return Answer{}, &Error{
				Provider: g.cfg.Name,
				Status:   apiErr.Code,
				Code:     apiErr.Status,
				Message:  apiErr.Message,
				Err:      err,
			}
		}
		return Answer{}, &Error{Provider: g.cfg.Name, Message: "generate content", Err: err}
	}
	if resp == nil {
		return Answer{}, Malformed(g.cfg.Name, "empty response")
	}

	text := resp.Text()
	if text == "" {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return Answer{}, &Error{
				Provider: g.cfg.Name,
				Class:    ClassPermanent,
				Code:     string(resp.PromptFeedback.BlockReason),
				Message:  "prompt blocked",
			}
		}
		return Answer{}, Malformed(g.cfg.Name, "response has no text")
	}

	log.Debug().
		Int("response_length", len(text)).
		Dur("duration", duration).
		Msg("Gemini API response received")

	return Answer{Text: text, RequestID: resp.ResponseID}, nil
}
