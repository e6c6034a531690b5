package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/andresuchdata/gcsstage/internal/retry"
)

var (
	// ErrCredential marks missing, unreadable or malformed key material.
	ErrCredential = errors.New("gcs credential error")
	// ErrRemote marks a non-retryable API failure.
	ErrRemote = errors.New("gcs remote error")
	// ErrTransient marks a retryable failure that outlived the retry ceiling.
	ErrTransient = errors.New("gcs transient error")

	errRangeIgnored = errors.New("server ignored range request")
)

// StatusCode returns the HTTP status carried by err, or 0 when err is not an
// API error.
func StatusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}

	return 0
}

func isNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

func isConflict(err error) bool {
	return StatusCode(err) == http.StatusConflict
}

// isNetworkError reports failures that never produced an API response.
func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, errRangeIgnored) {
		return false
	}

	return StatusCode(err) == 0
}

// retryableBucketError covers "service unavailable" and transport failures.
func retryableBucketError(err error) bool {
	return StatusCode(err) == http.StatusServiceUnavailable || isNetworkError(err)
}

// retryableDownloadError covers any 5xx, 416 and transport failures.
func retryableDownloadError(err error) bool {
	code := StatusCode(err)
	if code >= 500 || code == http.StatusRequestedRangeNotSatisfiable {
		return true
	}

	return isNetworkError(err)
}

// classify wraps err with the taxonomy sentinel that fits it.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, retry.ErrExhausted):
		return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrRemote, op, err)
	}
}
