package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/fpang/mediaquery/internal/media"
)

var testImage = media.Image{Data: []byte("jpeg-bytes"), MIMEType: "image/jpeg", Width: 10, Height: 10}

func mustConfig(t *testing.T, cfg Config) Config {
	t.Helper()
	full, err := cfg.WithDefaults()
	if err != nil {
		t.Fatalf("WithDefaults: %v", err)
	}
	return full
}

func writeVideo(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("video-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// failServer fails the test if any request reaches it.
func failServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(s.Close)
	return s
}

// chatServer answers every request with status and body as JSON, handing
// the decoded request to check first.
func chatServer(t *testing.T, status int, body string, check func(r *http.Request, req map[string]any)) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			var req map[string]any
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			check(r, req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "hdr-1")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestOpenAIQuery(t *testing.T) {
	server := chatServer(t, http.StatusOK, `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"a cat"}}]}`,
		func(r *http.Request, req map[string]any) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.Header.Get("Authorization") != "Bearer sk-test" {
				t.Errorf("unexpected auth header: %q", r.Header.Get("Authorization"))
			}
			if req["model"] != "gpt-4o" || req["max_tokens"] != float64(2000) {
				t.Errorf("unexpected model/max_tokens: %v/%v", req["model"], req["max_tokens"])
			}
			body, _ := json.Marshal(req["messages"])
			if !strings.Contains(string(body), "data:image/jpeg;base64,") {
				t.Error("expected image data URL in request")
			}
		})

	o := NewOpenAI(mustConfig(t, Config{Kind: KindOpenAI, APIKey: "sk-test", BaseURL: server.URL}), server.Client())
	ans, err := o.Query(context.Background(), testImage, "what is this?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Text != "a cat" || ans.RequestID != "chatcmpl-1" {
		t.Errorf("unexpected answer: %+v", ans)
	}
}

func TestOpenAIQueryVideo(t *testing.T) {
	server := chatServer(t, http.StatusOK, `{"choices":[{"message":{"content":[{"type":"text","text":"people "},{"type":"text","text":"walking"}]}}]}`,
		func(r *http.Request, req map[string]any) {
			var body struct {
				Messages []struct {
					Role    string          `json:"role"`
					Content json.RawMessage `json:"content"`
				} `json:"messages"`
			}
			raw, _ := json.Marshal(req)
			json.Unmarshal(raw, &body)
			if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
				t.Errorf("expected system + user messages, got %d", len(body.Messages))
				return
			}
			var parts []struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				VideoURL struct {
					URL string `json:"url"`
				} `json:"video_url"`
			}
			if err := json.Unmarshal(body.Messages[1].Content, &parts); err != nil {
				t.Errorf("user content is not a part list: %v", err)
				return
			}
			if len(parts) != 2 || parts[0].Text != "describe" || parts[1].Type != "video_url" {
				t.Errorf("unexpected user parts: %+v", parts)
				return
			}
			if !strings.HasPrefix(parts[1].VideoURL.URL, "data:video/quicktime;base64,") {
				t.Errorf("video url = %.40q", parts[1].VideoURL.URL)
			}
		})

	o := NewOpenAI(mustConfig(t, Config{Kind: KindOpenAI, BaseURL: server.URL}), server.Client())
	ans, err := o.QueryVideo(context.Background(), writeVideo(t, "clip.mov"), "describe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Text != "people walking" {
		t.Errorf("Text = %q", ans.Text)
	}
	if ans.RequestID != "hdr-1" {
		t.Errorf("RequestID = %q, want header fallback hdr-1", ans.RequestID)
	}
}

func TestOpenAIErrorEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"code", `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`, 429, "rate_limit_exceeded", "Rate limit reached"},
		{"type only", `{"error":{"message":"Rate limit reached","type":"requests","code":null}}`, 429, "requests", "Rate limit reached"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := chatServer(t, tt.wantStatus, tt.body, nil)
			o := NewOpenAI(mustConfig(t, Config{Kind: KindOpenAI, BaseURL: server.URL}), server.Client())
			_, err := o.Query(context.Background(), testImage, "q")
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if pe.Status != tt.wantStatus || pe.Code != tt.wantCode || pe.Message != tt.wantMsg {
				t.Errorf("unexpected error fields: %+v", pe)
			}
		})
	}
}

func TestOpenAIMalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"no choices", `{"choices":[]}`},
		{"null content", `{"choices":[{"message":{"content":null}}]}`},
		{"empty parts", `{"choices":[{"message":{"content":[]}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := chatServer(t, http.StatusOK, tt.body, nil)
			o := NewOpenAI(mustConfig(t, Config{Kind: KindOpenAI, BaseURL: server.URL}), server.Client())
			_, err := o.Query(context.Background(), testImage, "q")
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestOpenAISingleAttempt(t *testing.T) {
	calls := 0
	server := chatServer(t, http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`,
		func(r *http.Request, req map[string]any) { calls++ })

	o := NewOpenAI(mustConfig(t, Config{Kind: KindOpenAI, BaseURL: server.URL}), server.Client())
	_, err := o.Query(context.Background(), testImage, "q")
	var pe *Error
	if !errors.As(err, &pe) || pe.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 *Error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestUnsupportedVideoSkipsNetwork(t *testing.T) {
	server := failServer(t)
	path := writeVideo(t, "clip.mp4")
	ctx := context.Background()

	providers := []Provider{
		NewMoondream(mustConfig(t, Config{Kind: KindMoondream, BaseURL: server.URL}), server.Client()),
		NewOpenAI(mustConfig(t, Config{Kind: KindOpenAI, BaseURL: server.URL, SupportsVideo: aws.Bool(false)}), server.Client()),
		NewDashScope(mustConfig(t, Config{Kind: KindDashScope, BaseURL: server.URL, SupportsVideo: aws.Bool(false)}), server.Client()),
		NewBedrockWithClient(mustConfig(t, Config{Kind: KindBedrock}), &fakeConverse{t: t, fail: true}),
	}
	for _, p := range providers {
		_, err := p.QueryVideo(ctx, path, "q")
		var pe *Error
		if !errors.As(err, &pe) || pe.Class != ClassUnsupported {
			t.Errorf("%s: expected unsupported error, got %v", p.Name(), err)
		}
	}
}

type fakeConverse struct {
	t     *testing.T
	fail  bool
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	if f.fail {
		f.t.Errorf("unexpected Converse call")
	}
	f.input = in
	return f.out, f.err
}

func TestBedrockQuery(t *testing.T) {
	fake := &fakeConverse{t: t, out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "a red "},
				&types.ContentBlockMemberText{Value: "car"},
			},
		}},
		StopReason: types.StopReasonEndTurn,
	}}
	b := NewBedrockWithClient(mustConfig(t, Config{Kind: KindBedrock}), fake)

	ans, err := b.Query(context.Background(), testImage, "what is parked?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Text != "a red car" {
		t.Errorf("Text = %q", ans.Text)
	}
	if ans.RequestID != "" {
		t.Errorf("RequestID = %q, want empty without response metadata", ans.RequestID)
	}

	if aws.ToString(fake.input.ModelId) != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("unexpected model: %s", aws.ToString(fake.input.ModelId))
	}
	content := fake.input.Messages[0].Content
	img, ok := content[0].(*types.ContentBlockMemberImage)
	if !ok {
		t.Fatalf("first block is %T, want image", content[0])
	}
	if img.Value.Format != types.ImageFormatJpeg {
		t.Errorf("Format = %s, want jpeg", img.Value.Format)
	}
	if aws.ToInt32(fake.input.InferenceConfig.MaxTokens) != 2000 {
		t.Errorf("MaxTokens = %d", aws.ToInt32(fake.input.InferenceConfig.MaxTokens))
	}
}

func TestBedrockUnsupportedImageFormat(t *testing.T) {
	b := NewBedrockWithClient(mustConfig(t, Config{Kind: KindBedrock}), &fakeConverse{t: t, fail: true})
	_, err := b.Query(context.Background(), media.Image{Data: []byte("x"), MIMEType: "image/bmp"}, "q")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestBedrockError(t *testing.T) {
	fake := &fakeConverse{t: t, err: errors.New("ThrottlingException: Too many requests")}
	b := NewBedrockWithClient(mustConfig(t, Config{Kind: KindBedrock}), fake)
	_, err := b.Query(context.Background(), testImage, "q")
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !strings.Contains(err.Error(), "ThrottlingException") {
		t.Errorf("error should keep upstream text: %v", err)
	}
}

func TestReadVideoMIME(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"a.mp4", "video/mp4"},
		{"a.mov", "video/quicktime"},
		{"a.webm", "video/webm"},
		{"a.bin", "video/mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mimeType, err := readVideo(writeVideo(t, tt.name))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if mimeType != tt.want {
				t.Errorf("mime = %q, want %q", mimeType, tt.want)
			}
		})
	}
}
