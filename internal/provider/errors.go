package provider

import (
	"errors"
	"fmt"
)

// Classification is the failure taxonomy that drives retry policy.
type Classification string

const (
	// ClassNone marks a successful result.
	ClassNone Classification = ""
	// ClassUnsupported: the provider cannot process this media kind. Not retried.
	ClassUnsupported Classification = "unsupported"
	// ClassRateLimited: quota or request-frequency limits. Retried with long backoff.
	ClassRateLimited Classification = "rate_limited"
	// ClassTransient: network resets, proxy errors, 5xx. Retried with short backoff.
	ClassTransient Classification = "transient"
	// ClassPermanent: malformed input or unrecoverable provider errors. Not retried.
	ClassPermanent Classification = "permanent"
	// ClassCancelled: the batch was aborted before the item ran.
	ClassCancelled Classification = "cancelled"
)

// Retryable reports whether failures of this class are worth another attempt.
func (c Classification) Retryable() bool {
	return c == ClassRateLimited || c == ClassTransient
}

// ParseClassification maps a configuration string onto a Classification.
func ParseClassification(s string) (Classification, error) {
	switch c := Classification(s); c {
	case ClassUnsupported, ClassRateLimited, ClassTransient, ClassPermanent, ClassCancelled:
		return c, nil
	}
	return ClassNone, fmt.Errorf("unknown classification %q", s)
}

var (
	// ErrUnsupported is wrapped by errors for media kinds a provider cannot handle.
	ErrUnsupported = errors.New("media kind not supported by provider")

	// ErrMalformedResponse is wrapped by errors raised while parsing a
	// response envelope that is missing or has unexpected fields.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// Error is a provider failure. Class may be left as ClassNone when the
// adapter has no opinion; the retry classifier then decides from Status and
// the message text.
type Error struct {
	Provider string
	Class    Classification
	Status   int
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unsupported returns the error adapters raise for a media kind they cannot handle.
func Unsupported(providerName, kind string) *Error {
	return &Error{
		Provider: providerName,
		Class:    ClassUnsupported,
		Message:  kind + " input is not supported",
		Err:      ErrUnsupported,
	}
}

// Malformed wraps a response parsing fault.
func Malformed(providerName, detail string) *Error {
	return &Error{
		Provider: providerName,
		Message:  detail,
		Err:      ErrMalformedResponse,
	}
}
