package auth

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/media"
	"github.com/fpang/mediaquery/internal/metrics"
	"github.com/fpang/mediaquery/internal/provider"
)

// ValidationError describes why a provider credential check failed.
type ValidationError struct {
	Type    ValidationErrorType
	Message string
	Err     error
}

// ValidationErrorType categorizes validation failures.
type ValidationErrorType int

const (
	// ErrTypeInvalidKey indicates the API key is invalid or revoked.
	ErrTypeInvalidKey ValidationErrorType = iota
	// ErrTypeNetworkError indicates a connectivity or server problem.
	ErrTypeNetworkError
	// ErrTypeQuotaExceeded indicates the quota has been exceeded.
	ErrTypeQuotaExceeded
	// ErrTypeUnknown covers everything else.
	ErrTypeUnknown
)

func (t ValidationErrorType) String() string {
	switch t {
	case ErrTypeInvalidKey:
		return "invalid"
	case ErrTypeNetworkError:
		return "network_error"
	case ErrTypeQuotaExceeded:
		return "quota"
	default:
		return "unknown"
	}
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// probeQuestion keeps the validation call as cheap as the provider allows.
const probeQuestion = "Reply with the single word OK."

// ValidateProvider sends a tiny image question to p and reports whether the
// credential works. It returns nil on success or a *ValidationError.
func ValidateProvider(ctx context.Context, p provider.Provider) error {
	log.Debug().Str("provider", p.Name()).Msg("Validating provider credentials")

	img, err := probeImage()
	if err != nil {
		return &ValidationError{Type: ErrTypeUnknown, Message: "failed to build probe image", Err: err}
	}

	start := time.Now()
	_, err = p.Query(ctx, img, probeQuestion)
	elapsed := time.Since(start)

	result := "success"
	var valErr *ValidationError
	if err != nil {
		valErr = classifyError(err)
		result = valErr.Type.String()
	}

	metrics.New().
		Dimension("Provider", p.Name()).
		Dimension("Result", result).
		Duration("ApiKeyValidationMs", elapsed).
		Count("ApiKeyValidationResult").
		Flush()

	if valErr != nil {
		return valErr
	}
	log.Info().Str("provider", p.Name()).Dur("duration", elapsed).Msg("Provider credentials validated")
	return nil
}

// classifyError maps a provider failure onto a validation type.
func classifyError(err error) *ValidationError {
	var pe *provider.Error
	if errors.As(err, &pe) && pe.Status != 0 {
		switch {
		case pe.Status == 400:
			return &ValidationError{Type: ErrTypeInvalidKey, Message: "Bad request - API key may be malformed", Err: err}
		case pe.Status == 401 || pe.Status == 403:
			return &ValidationError{Type: ErrTypeInvalidKey, Message: "API key is invalid, expired, or lacks permissions", Err: err}
		case pe.Status == 429:
			return &ValidationError{Type: ErrTypeQuotaExceeded, Message: "API rate limit exceeded - try again later", Err: err}
		case pe.Status >= 500:
			return &ValidationError{Type: ErrTypeNetworkError, Message: "Provider server error - try again later", Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ValidationError{Type: ErrTypeNetworkError, Message: "Network error - check your internet connection", Err: err}
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "api key not valid") ||
		strings.Contains(errLower, "invalid api key") ||
		strings.Contains(errLower, "unrecognizedclient") ||
		strings.Contains(errLower, "accessdenied") ||
		strings.Contains(errLower, "permission denied"):
		return &ValidationError{Type: ErrTypeInvalidKey, Message: "API key is invalid or has been revoked", Err: err}
	case strings.Contains(errLower, "quota") ||
		strings.Contains(errLower, "resource exhausted") ||
		strings.Contains(errLower, "throttl") ||
		strings.Contains(errLower, "rate limit"):
		return &ValidationError{Type: ErrTypeQuotaExceeded, Message: "API quota exceeded or rate limited", Err: err}
	case strings.Contains(errLower, "connection") ||
		strings.Contains(errLower, "timeout") ||
		strings.Contains(errLower, "no such host"):
		return &ValidationError{Type: ErrTypeNetworkError, Message: "Network error - check your internet connection", Err: err}
	}
	return &ValidationError{Type: ErrTypeUnknown, Message: "Failed to validate provider", Err: err}
}

func probeImage() (media.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		img.Set(i, i, color.White)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return media.Image{}, err
	}
	return media.Image{Data: buf.Bytes(), MIMEType: "image/jpeg", Width: 8, Height: 8}, nil
}
