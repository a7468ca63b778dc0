package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fpang/mediaquery/internal/media"
)

// Moondream talks to the Moondream cloud API. It answers questions about
// images only and can also locate objects.
type Moondream struct {
	cfg    Config
	client *http.Client
}

// NewMoondream creates a Moondream adapter.
func NewMoondream(cfg Config, client *http.Client) *Moondream {
	return &Moondream{cfg: cfg, client: client}
}

func (m *Moondream) Name() string               { return m.cfg.Name }
func (m *Moondream) Class() string              { return m.cfg.Class }
func (m *Moondream) Capabilities() Capabilities { return m.cfg.Capabilities() }

type mdErrorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Query implements Provider.
func (m *Moondream) Query(ctx context.Context, img media.Image, question string) (Answer, error) {
	if !m.Capabilities().SupportsImage {
		return Answer{}, Unsupported(m.cfg.Name, "image")
	}
	body := map[string]any{
		"image_url": dataURL(img.MIMEType, img.Data),
		"question":  question,
		"stream":    false,
	}
	data, headerID, err := m.post(ctx, "/query", body)
	if err != nil {
		return Answer{}, err
	}

	var resp struct {
		Answer    *string `json:"answer"`
		RequestID string  `json:"request_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Answer{}, Malformed(m.cfg.Name, "decode response: "+err.Error())
	}
	if resp.Answer == nil {
		return Answer{}, Malformed(m.cfg.Name, "response has no answer")
	}
	id := resp.RequestID
	if id == "" {
		id = headerID
	}
	return Answer{Text: *resp.Answer, RequestID: id}, nil
}

// QueryVideo implements Provider. Moondream has no video input.
func (m *Moondream) QueryVideo(ctx context.Context, path string, question string) (Answer, error) {
	return Answer{}, Unsupported(m.cfg.Name, "video")
}

// Detect implements Detector.
func (m *Moondream) Detect(ctx context.Context, img media.Image, target string) (Detection, error) {
	body := map[string]any{
		"image_url": dataURL(img.MIMEType, img.Data),
		"object":    target,
	}
	data, headerID, err := m.post(ctx, "/detect", body)
	if err != nil {
		return Detection{}, err
	}

	var det Detection
	if err := json.Unmarshal(data, &det); err != nil {
		return Detection{}, Malformed(m.cfg.Name, "decode detection: "+err.Error())
	}
	if det.Objects == nil {
		det.Objects = []BoundingBox{}
	}
	if det.RequestID == "" {
		det.RequestID = headerID
	}
	return det, nil
}

func (m *Moondream) post(ctx context.Context, path string, body any) ([]byte, string, error) {
	url := strings.TrimRight(m.cfg.BaseURL, "/") + path
	headers := map[string]string{"X-Moondream-Auth": m.cfg.APIKey}
	return postJSON(ctx, m.client, m.cfg.Name, url, headers, body, func(b []byte) (string, string) {
		var env mdErrorEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			return "", ""
		}
		if env.Message != "" {
			return env.Error, env.Message
		}
		return "", env.Error
	})
}
