package offline

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"

	"github.com/BTreeMap/PrayerPipe/internal/backend"
)

// networkPatterns are lowercase message fragments that indicate a transport failure.
var networkPatterns = []string{
	"network",
	"offline",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"no such host",
	"failed to fetch",
	"econnrefused",
	"econnreset",
	"enotfound",
	"etimedout",
	"broken pipe",
	"unreachable",
}

// IsNetworkError reports whether err looks transient and transport-related. Such
// failures are queued for later sync; everything else is a data or logic error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, backend.ErrOffline) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection exception; 57P0x is operator intervention (shutdown).
		return pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P0")
	}
	msg := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsDuplicateError reports whether err is a unique-key violation.
func IsDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate key")
}
