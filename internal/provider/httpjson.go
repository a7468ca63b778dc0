package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/media"
)

// maxErrorBody caps how much of an error response is kept in messages.
const maxErrorBody = 500

// postJSON sends body as JSON and returns the raw response body. Non-2xx
// responses become *Error carrying the status and a truncated body; errBody
// extracts a code and message from the provider's error envelope when it
// can.
func postJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, body any,
	errBody func([]byte) (code, msg string)) ([]byte, string, error) {

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log.Debug().
		Str("provider", name).
		Str("url", url).
		Int("payload_bytes", len(payload)).
		Msg("Provider request")

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		log.Debug().Str("provider", name).Dur("duration", duration).Err(err).Msg("Provider response")
		return nil, "", &Error{Provider: name, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	log.Debug().
		Str("provider", name).
		Int("status_code", resp.StatusCode).
		Dur("duration", duration).
		Msg("Provider response")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &Error{Provider: name, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	requestID := resp.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = resp.Header.Get("X-DashScope-Request-Id")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, msg := "", ""
		if errBody != nil {
			code, msg = errBody(data)
		}
		if msg == "" {
			msg = truncate(string(data), maxErrorBody)
		}
		return nil, requestID, &Error{Provider: name, Status: resp.StatusCode, Code: code, Message: msg}
	}
	return data, requestID, nil
}

// dataURL returns a base64 data URL for the payload.
func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// readVideo loads a video file and its MIME type. Unknown extensions are
// sent as video/mp4, the transcoder's output format.
func readVideo(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read video: %w", err)
	}
	mimeType, err := media.MIMEType(path)
	if err != nil || !strings.HasPrefix(mimeType, "video/") {
		mimeType = "video/mp4"
	}
	return data, mimeType, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
