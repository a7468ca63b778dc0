package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fpang/mediaquery/internal/media"
)

// DashScope talks to the native DashScope multimodal conversation API used
// by the Qwen-VL models.
type DashScope struct {
	cfg    Config
	client *http.Client
}

// NewDashScope creates a DashScope adapter.
func NewDashScope(cfg Config, client *http.Client) *DashScope {
	return &DashScope{cfg: cfg, client: client}
}

func (d *DashScope) Name() string               { return d.cfg.Name }
func (d *DashScope) Class() string              { return d.cfg.Class }
func (d *DashScope) Capabilities() Capabilities { return d.cfg.Capabilities() }

type dsContent struct {
	Image string `json:"image,omitempty"`
	Video string `json:"video,omitempty"`
	Text  string `json:"text,omitempty"`
}

type dsMessage struct {
	Role    string      `json:"role"`
	Content []dsContent `json:"content"`
}

type dsRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []dsMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		MaxTokens int `json:"max_tokens,omitempty"`
	} `json:"parameters"`
}

type dsResponse struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Output    *struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
}

// Query implements Provider.
func (d *DashScope) Query(ctx context.Context, img media.Image, question string) (Answer, error) {
	if !d.Capabilities().SupportsImage {
		return Answer{}, Unsupported(d.cfg.Name, "image")
	}
	return d.call(ctx, []dsContent{
		{Image: dataURL(img.MIMEType, img.Data)},
		{Text: question},
	})
}

// QueryVideo implements Provider.
func (d *DashScope) QueryVideo(ctx context.Context, path string, question string) (Answer, error) {
	if !d.Capabilities().SupportsVideo {
		return Answer{}, Unsupported(d.cfg.Name, "video")
	}
	data, mimeType, err := readVideo(path)
	if err != nil {
		return Answer{}, err
	}
	return d.call(ctx, []dsContent{
		{Video: dataURL(mimeType, data)},
		{Text: question},
	})
}

func (d *DashScope) call(ctx context.Context, content []dsContent) (Answer, error) {
	var req dsRequest
	req.Model = d.cfg.Model
	req.Input.Messages = []dsMessage{{Role: "user", Content: content}}
	req.Parameters.MaxTokens = d.cfg.MaxTokens

	url := strings.TrimRight(d.cfg.BaseURL, "/") + "/services/aigc/multimodal-generation/generation"
	headers := map[string]string{"Authorization": "Bearer " + d.cfg.APIKey}

	data, headerID, err := postJSON(ctx, d.client, d.cfg.Name, url, headers, req, parseDashScopeError)
	if err != nil {
		return Answer{}, err
	}
	return parseDashScopeResponse(d.cfg.Name, data, headerID)
}

func parseDashScopeError(body []byte) (string, string) {
	var resp dsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", ""
	}
	return resp.Code, resp.Message
}

// parseDashScopeResponse extracts output.choices[0].message.content[0].text.
// A 200 response without output carries an error code and message in the
// body instead.
func parseDashScopeResponse(name string, data []byte, headerID string) (Answer, error) {
	var resp dsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Answer{}, Malformed(name, "decode response: "+err.Error())
	}
	id := resp.RequestID
	if id == "" {
		id = headerID
	}

	if resp.Output == nil {
		code := resp.Code
		if code == "" {
			code = "InternalError"
		}
		msg := resp.Message
		if msg == "" {
			msg = "response has no output"
		}
		return Answer{}, &Error{Provider: name, Code: code, Message: msg, Err: ErrMalformedResponse}
	}
	if len(resp.Output.Choices) == 0 {
		return Answer{}, Malformed(name, "response has no choices")
	}

	text, ok := contentText(resp.Output.Choices[0].Message.Content)
	if !ok {
		return Answer{}, Malformed(name, "choice has no text content")
	}
	return Answer{Text: text, RequestID: id}, nil
}
