package provider

import "fmt"

// Error codes, one per failure class the plane distinguishes.
const (
	CodeTransient  = "TRANSIENT"  // network glitch, 5xx: retry per policy
	CodeCredential = "CREDENTIAL" // bad auth: disable provider, no retry
	CodeNotFound   = "NOT_FOUND"  // unknown symbol/resource: fail the one request
	CodeMalformed  = "MALFORMED"  // unparseable payload: drop the one message
	CodeCapacity   = "CAPACITY"   // rate limit or queue full: cooldown then retry
	CodeFatal      = "FATAL"      // invariant violation: bubble up

	CodeRateLimit   = "RATE_LIMIT"
	CodeCircuitOpen = "CIRCUIT_OPEN"
	CodeTimeout     = "TIMEOUT"
)

// Error is the provider-plane error type. Wire errors never cross the
// streaming-client boundary raw; they are classified into one of these.
type Error struct {
	Provider    ID     `json:"provider"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	RateLimited bool   `json:"rate_limited"`
	Temporary   bool   `json:"temporary"`
	Cause       error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a classified provider error.
func NewError(id ID, code, message string) *Error {
	return &Error{
		Provider:  id,
		Code:      code,
		Message:   message,
		Temporary: code == CodeTransient || code == CodeCapacity || code == CodeRateLimit || code == CodeCircuitOpen || code == CodeTimeout,
	}
}

// RateLimitError builds the Capacity-class error used on 429 responses.
func RateLimitError(id ID, message string) *Error {
	return &Error{
		Provider:    id,
		Code:        CodeRateLimit,
		Message:     message,
		HTTPStatus:  429,
		RateLimited: true,
		Temporary:   true,
	}
}

// IsRetryable reports whether an error should re-enter the retry path.
func IsRetryable(err error) bool {
	pe, ok := err.(*Error)
	if !ok {
		return true
	}
	switch pe.Code {
	case CodeCredential, CodeNotFound, CodeFatal:
		return false
	}
	return true
}

// ClassifyHTTPStatus maps a REST status code onto the error taxonomy.
func ClassifyHTTPStatus(status int) string {
	switch {
	case status == 429:
		return CodeRateLimit
	case status == 401 || status == 403:
		return CodeCredential
	case status == 404:
		return CodeNotFound
	case status >= 500:
		return CodeTransient
	default:
		return CodeTransient
	}
}
