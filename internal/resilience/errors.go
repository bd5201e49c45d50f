package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/refdata/internal/model"
)

// IsTransient reports whether err is worth another fetch attempt. Only network
// and HTTP failures qualify; session rejections, header drift, validation and
// store errors never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var sessionErr *model.SessionExpiredError
	var schemaErr *model.SchemaMismatchError
	var validationErr *model.ValidationError
	var writeErr *model.WriteError
	if errors.As(err, &sessionErr) || errors.As(err, &schemaErr) ||
		errors.As(err, &validationErr) || errors.As(err, &writeErr) {
		return false
	}

	var fe *model.FetchError
	if errors.As(err, &fe) {
		if fe.Transient {
			return true
		}
		if fe.StatusCode != 0 {
			return IsTransientHTTPStatus(fe.StatusCode)
		}
		// Fall through and classify the underlying transport error.
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransientHTTPStatus reports whether an exchange site status is retryable.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
