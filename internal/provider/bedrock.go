package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/media"
)

// ConverseAPI is the subset of the Bedrock runtime client the adapter uses.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock answers questions with a Bedrock-hosted model (Claude by default)
// through the Converse API.
type Bedrock struct {
	cfg    Config
	client ConverseAPI
}

// NewBedrock creates a Bedrock adapter. When awsCfg is nil the default AWS
// credential chain is loaded, using cfg.Region when set.
func NewBedrock(ctx context.Context, cfg Config, awsCfg *aws.Config) (*Bedrock, error) {
	var ac aws.Config
	if awsCfg != nil {
		ac = awsCfg.Copy()
	} else {
		var err error
		ac, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
	}
	if cfg.Region != "" {
		ac.Region = cfg.Region
	}
	return &Bedrock{cfg: cfg, client: bedrockruntime.NewFromConfig(ac)}, nil
}

// NewBedrockWithClient creates a Bedrock adapter around an existing client.
func NewBedrockWithClient(cfg Config, client ConverseAPI) *Bedrock {
	return &Bedrock{cfg: cfg, client: client}
}

func (b *Bedrock) Name() string               { return b.cfg.Name }
func (b *Bedrock) Class() string              { return b.cfg.Class }
func (b *Bedrock) Capabilities() Capabilities { return b.cfg.Capabilities() }

// Query implements Provider.
func (b *Bedrock) Query(ctx context.Context, img media.Image, question string) (Answer, error) {
	if !b.Capabilities().SupportsImage {
		return Answer{}, Unsupported(b.cfg.Name, "image")
	}
	format, ok := imageFormat(img.MIMEType)
	if !ok {
		return Answer{}, &Error{Provider: b.cfg.Name, Class: ClassUnsupported,
			Message: "image format " + img.MIMEType + " is not supported", Err: ErrUnsupported}
	}
	content := []types.ContentBlock{
		&types.ContentBlockMemberImage{Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: img.Data},
		}},
		&types.ContentBlockMemberText{Value: question},
	}
	return b.converse(ctx, content, "")
}

// QueryVideo implements Provider. Only models with video input (e.g. Nova)
// should enable SupportsVideo; Claude does not accept video.
func (b *Bedrock) QueryVideo(ctx context.Context, path string, question string) (Answer, error) {
	if !b.Capabilities().SupportsVideo {
		return Answer{}, Unsupported(b.cfg.Name, "video")
	}
	data, mimeType, err := readVideo(path)
	if err != nil {
		return Answer{}, err
	}
	content := []types.ContentBlock{
		&types.ContentBlockMemberVideo{Value: types.VideoBlock{
			Format: videoFormat(mimeType),
			Source: &types.VideoSourceMemberBytes{Value: data},
		}},
		&types.ContentBlockMemberText{Value: question},
	}
	return b.converse(ctx, content, b.cfg.SystemPrompt)
}

func (b *Bedrock) converse(ctx context.Context, content []types.ContentBlock, system string) (Answer, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.cfg.Model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: content,
		}},
	}
	if b.cfg.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(b.cfg.MaxTokens))}
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	log.Debug().Str("model", b.cfg.Model).Msg("Starting Bedrock Converse call")
	start := time.Now()
	out, err := b.client.Converse(ctx, input)
	duration := time.Since(start)
	if err != nil {
		log.Debug().Err(err).Dur("duration", duration).Msg("Bedrock Converse call failed")
		return Answer{}, &Error{Provider: b.cfg.Name, Message: "converse", Err: err}
	}

	requestID, _ := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata)

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return Answer{}, Malformed(b.cfg.Name, "output is not a message")
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(t.Value)
		}
	}
	if sb.Len() == 0 {
		return Answer{}, Malformed(b.cfg.Name, "message has no text content")
	}

	log.Debug().
		Int("response_length", sb.Len()).
		Str("stop_reason", string(out.StopReason)).
		Dur("duration", duration).
		Msg("Bedrock Converse response received")

	return Answer{Text: sb.String(), RequestID: requestID}, nil
}

func imageFormat(mimeType string) (types.ImageFormat, bool) {
	switch mimeType {
	case "image/jpeg":
		return types.ImageFormatJpeg, true
	case "image/png":
		return types.ImageFormatPng, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}

func videoFormat(mimeType string) types.VideoFormat {
	switch mimeType {
	case "video/quicktime":
		return types.VideoFormatMov
	case "video/x-matroska":
		return types.VideoFormatMkv
	case "video/webm":
		return types.VideoFormatWebm
	}
	return types.VideoFormatMp4
}
