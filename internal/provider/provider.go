// Package provider normalizes hosted vision inference services behind one
// capability contract.
//
// Each backend (Gemini, OpenAI-compatible chat, DashScope, Bedrock, Moondream)
// is a fixed variant implementing Provider. The variant is chosen once, when
// the configuration is loaded, and never re-dispatched per call. Adapters own
// their payload encoding and response parsing; they report failures as
// *Error values so the retry layer can classify them without knowing the
// backend's wire format.
package provider

import (
	"context"
	"time"

	"github.com/fpang/mediaquery/internal/media"
)

// Capabilities reports which media kinds a provider can answer questions about.
type Capabilities struct {
	SupportsImage bool `json:"supportsImage"`
	SupportsVideo bool `json:"supportsVideo"`
}

// Supports reports whether the provider accepts the given media kind.
func (c Capabilities) Supports(kind media.Kind) bool {
	switch kind {
	case media.KindImage:
		return c.SupportsImage
	case media.KindVideo:
		return c.SupportsVideo
	default:
		return false
	}
}

// Answer is the raw outcome of one successful provider round trip.
// RequestID is empty when the provider did not return one.
type Answer struct {
	Text      string
	RequestID string
}

// Provider is the uniform contract every backend implements.
type Provider interface {
	// Name is the configured provider name (e.g. "gemini", "qwen-vl").
	Name() string

	// Class is the rate-limit class shared by all providers that draw on the
	// same upstream quota.
	Class() string

	// Capabilities reports supported media kinds.
	Capabilities() Capabilities

	// Query asks a question about a single image.
	Query(ctx context.Context, img media.Image, question string) (Answer, error)

	// QueryVideo asks a question about the video at path. Providers without
	// video support return an *Error classified Unsupported without
	// contacting the network.
	QueryVideo(ctx context.Context, path string, question string) (Answer, error)
}

// Detector is implemented by providers that can locate objects in an image.
type Detector interface {
	Detect(ctx context.Context, img media.Image, target string) (Detection, error)
}

// BoundingBox is a normalized (0..1) rectangle reported by a detector.
type BoundingBox struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// Detection is the result of an object detection request.
type Detection struct {
	Objects   []BoundingBox `json:"objects"`
	RequestID string        `json:"requestId,omitempty"`
}

// Outcome tags a QueryResult as a success or a failure.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// MarshalText encodes the outcome as "success" or "failure".
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an outcome written by MarshalText.
func (o *Outcome) UnmarshalText(b []byte) error {
	if string(b) == "success" {
		*o = Success
	} else {
		*o = Failure
	}
	return nil
}

// QueryResult is the permanent record of one media query. Every item handed
// to the orchestrator produces exactly one.
type QueryResult struct {
	ItemID    string         `json:"itemId"`
	Provider  string         `json:"provider"`
	Question  string         `json:"question"`
	Outcome   Outcome        `json:"outcome"`
	Answer    string         `json:"answer,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Class     Classification `json:"class,omitempty"`
	Message   string         `json:"message,omitempty"`
	Attempts  int            `json:"attempts"`
	Tier      string         `json:"tier,omitempty"`
	Duration  time.Duration  `json:"durationNs"`
}

// OK reports whether the result is a success.
func (r QueryResult) OK() bool { return r.Outcome == Success }

// Succeeded builds a success result.
func Succeeded(a Answer) QueryResult {
	return QueryResult{Outcome: Success, Answer: a.Text, RequestID: a.RequestID}
}

// Failed builds a failure result with the given classification and message.
func Failed(class Classification, msg string) QueryResult {
	return QueryResult{Outcome: Failure, Class: class, Message: msg}
}
