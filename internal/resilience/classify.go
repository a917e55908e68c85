package resilience

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/daloraclehub/dalcore/internal/apperrors"
)

// Classify maps a raw error (and, where available, an HTTP status code)
// from an external call into the transient/permanent split the error
// taxonomy requires. A zero statusCode means "no HTTP response was
// received" (connection reset, dial failure, timeout).
//
// Transient: connection reset, 5xx, timeout, half-open probe failure.
// Permanent: 4xx (except 429), signature rejection, schema mismatch.
func Classify(err error, statusCode int) *apperrors.AppError {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Transient(err, "external call")
	}

	switch {
	case statusCode == 0 && err != nil:
		return apperrors.Transient(err, "external call")
	case statusCode == http.StatusTooManyRequests:
		return apperrors.Transient(err, "external call")
	case statusCode >= 500:
		return apperrors.Transient(err, "external call")
	case statusCode >= 400:
		return apperrors.Permanent(err, "external call")
	default:
		return nil
	}
}

// IsSignatureRejection reports whether a governance-layer error message
// indicates the signer's signature was rejected — always permanent.
func IsSignatureRejection(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "signature") && (strings.Contains(lower, "reject") || strings.Contains(lower, "invalid"))
}
