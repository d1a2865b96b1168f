package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// ParseError means the backend answered but the body was not a JSON
	// object carrying every schema field. Not retried.
	ParseError Kind = "parse_error"
	// ProviderError is any non-rate-limit backend failure. Not retried.
	ProviderError Kind = "provider_error"
	// ExhaustedRetries means every attempt was rate limited.
	ExhaustedRetries Kind = "exhausted_retries"
	// Canceled means the caller's context ended first.
	Canceled Kind = "canceled"
)

// Failure is the typed error returned by Complete.
type Failure struct {
	Kind     Kind
	Message  string
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("gateway: %s after %d attempt(s): %s: %v", f.Kind, f.Attempts, f.Message, f.Err)
	}
	return fmt.Sprintf("gateway: %s after %d attempt(s): %s", f.Kind, f.Attempts, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the failure kind carried by err, or "" if err is not a
// gateway failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
