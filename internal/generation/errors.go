// Package generation holds the provider-independent parts of the generation
// client layer: error classification and request pacing.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kiranshivaraju/genforge/pkg/models"
)

// Every error returned by a GenerationClient wraps exactly one of these.
var (
	ErrTransient = errors.New("generation provider temporarily unavailable")
	ErrPermanent = errors.New("generation request rejected by provider")
)

// Classify maps a client error to an ItemError classification. Errors that
// wrap neither sentinel are treated as permanent, except deadline and network
// errors.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransient):
		return models.ClassTransient
	case errors.Is(err, ErrPermanent):
		return models.ClassPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return models.ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.ClassTransient
	}
	return models.ClassPermanent
}

// IsTransientStatus reports whether an HTTP status from a provider means the
// same request may succeed later.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// StatusError builds a classified error for a non-2xx provider response.
func StatusError(code int, msg string) error {
	sentinel := ErrPermanent
	if IsTransientStatus(code) {
		sentinel = ErrTransient
	}
	if msg == "" {
		return fmt.Errorf("%w: status %d", sentinel, code)
	}
	return fmt.Errorf("%w: status %d: %s", sentinel, code, msg)
}

// TransportError classifies an error from the HTTP round trip itself as
// transient. A cancelled caller is passed through unchanged.
func TransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: request timed out: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
