package scheduler

import (
	"context"
	"errors"
	"strings"
)

// IsAbortLike classifies an error as a cancellation rather than a failure.
// Covers context cancellation plus provider SDK abort errors (AbortError,
// APIUserAbortError and friends), which only surface through their text.
func IsAbortLike(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "abort")
}
