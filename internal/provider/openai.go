package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/media"
)

// defaultVideoSystemPrompt frames whole-video questions for chat models.
const defaultVideoSystemPrompt = "你是一个专业的视频分析师。请分析整个视频的内容，包括环境、人物、动作、时间变化等动态信息。"

// OpenAI talks to an OpenAI-compatible chat completions endpoint. Images and
// videos travel as base64 data URLs. DashScope's compatible mode and other
// hosted gateways speak the same protocol with a different BaseURL.
type OpenAI struct {
	cfg    Config
	client openai.Client
}

// NewOpenAI creates an OpenAI-compatible adapter. The SDK's own retries are
// disabled; the retry coordinator owns that decision.
func NewOpenAI(cfg Config, httpClient *http.Client) *OpenAI {
	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	return &OpenAI{cfg: cfg, client: client}
}

func (o *OpenAI) Name() string               { return o.cfg.Name }
func (o *OpenAI) Class() string              { return o.cfg.Class }
func (o *OpenAI) Capabilities() Capabilities { return o.cfg.Capabilities() }

// Query implements Provider.
func (o *OpenAI) Query(ctx context.Context, img media.Image, question string) (Answer, error) {
	if !o.Capabilities().SupportsImage {
		return Answer{}, Unsupported(o.cfg.Name, "image")
	}
	params := o.params(openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL(img.MIMEType, img.Data),
		}),
		openai.TextContentPart(question),
	}))
	return o.complete(ctx, params)
}

// QueryVideo implements Provider. The SDK has no video part type, so the
// video_url part is appended to the user message's content after encoding.
func (o *OpenAI) QueryVideo(ctx context.Context, path string, question string) (Answer, error) {
	if !o.Capabilities().SupportsVideo {
		return Answer{}, Unsupported(o.cfg.Name, "video")
	}
	data, mimeType, err := readVideo(path)
	if err != nil {
		return Answer{}, err
	}
	system := o.cfg.SystemPrompt
	if system == "" {
		system = defaultVideoSystemPrompt
	}
	params := o.params(
		openai.SystemMessage(system),
		openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(question),
		}),
	)
	videoPart := map[string]any{
		"type":      "video_url",
		"video_url": map[string]string{"url": dataURL(mimeType, data)},
	}
	return o.complete(ctx, params, option.WithJSONSet("messages.1.content.-1", videoPart))
}

func (o *OpenAI) params(msgs ...openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    o.cfg.Model,
		Messages: msgs,
	}
	if o.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(o.cfg.MaxTokens))
	}
	return params
}

func (o *OpenAI) complete(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (Answer, error) {
	var httpResp *http.Response
	opts = append(opts, option.WithResponseInto(&httpResp))

	log.Debug().
		Str("provider", o.cfg.Name).
		Str("model", o.cfg.Model).
		Msg("Provider request")

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params, opts...)
	duration := time.Since(start)

	headerID := ""
	if httpResp != nil {
		headerID = httpResp.Header.Get("X-Request-Id")
		log.Debug().
			Str("provider", o.cfg.Name).
			Int("status_code", httpResp.StatusCode).
			Dur("duration", duration).
			Msg("Provider response")
	}
	if err != nil {
		return Answer{}, o.chatError(err, httpResp)
	}
	return chatAnswer(o.cfg.Name, resp, headerID)
}

// chatError maps an SDK failure onto *Error. A 2xx response that could not
// be decoded is malformed rather than a transport failure.
func (o *OpenAI) chatError(err error, httpResp *http.Response) error {
	name := o.cfg.Name
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.Code
		if code == "" {
			code = apiErr.Type
		}
		msg := apiErr.Message
		if msg == "" {
			msg = truncate(apiErr.RawJSON(), maxErrorBody)
		}
		return &Error{Provider: name, Status: apiErr.StatusCode, Code: code, Message: msg, Err: err}
	}
	if httpResp == nil {
		return &Error{Provider: name, Message: "request failed", Err: err}
	}
	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return Malformed(name, "decode chat response: "+err.Error())
	}
	return &Error{Provider: name, Status: httpResp.StatusCode, Message: truncate(err.Error(), maxErrorBody), Err: err}
}

// chatAnswer extracts the first choice's text. Gateways may answer with an
// array of typed parts where the SDK expects a string; the raw field covers
// that case.
func chatAnswer(name string, resp *openai.ChatCompletion, headerID string) (Answer, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return Answer{}, Malformed(name, "response has no choices")
	}
	msg := resp.Choices[0].Message
	text := msg.Content
	if text == "" {
		var ok bool
		if text, ok = contentText(json.RawMessage(msg.JSON.Content.Raw())); !ok {
			return Answer{}, Malformed(name, "choice has no text content")
		}
	}
	id := resp.ID
	if id == "" {
		id = headerID
	}
	return Answer{Text: text, RequestID: id}, nil
}

func contentText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String(), b.Len() > 0
}
