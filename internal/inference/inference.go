// Package inference wraps the third-party text-to-image services behind a
// single Provider interface.
package inference

import (
	"context"
	"errors"
	"fmt"
)

// ErrProvider is returned for any failed generation: transport errors,
// timeouts, non-2xx responses and unusable payloads.
var ErrProvider = errors.New("inference: provider error")

// Request is a single text-to-image request.
type Request struct {
	Prompt string
}

// Image is the result of a successful generation.
type Image struct {
	URL  string // data URI or remote URL
	Seed int64
}

// Provider generates images from prompts.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Image, error)
	Name() string
}

// providerError wraps cause so that both ErrProvider and the cause
// (for example context.DeadlineExceeded) match with errors.Is.
func providerError(format string, cause error, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrProvider, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrProvider, msg, cause)
}
