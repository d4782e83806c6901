package llm

import "fmt"

// Kind classifies completion failures so callers can branch without
// string matching.
type Kind string

const (
	// KindTransport covers HTTP failures and network errors. Code holds
	// the HTTP status when one was received.
	KindTransport Kind = "transport"

	// KindContentValidation covers responses that arrived but failed the
	// output checks (empty, shrunk, or grew beyond the allowed ratio).
	// Never retried.
	KindContentValidation Kind = "content_validation"

	// KindCancelled marks an attempt abandoned because the job was
	// cancelled. Carries CancelledCode and never touches retry counters.
	KindCancelled Kind = "cancelled"

	// KindLocal covers failures before or after the wire call, such as
	// artifact IO or a panicking worker.
	KindLocal Kind = "local"
)

// CancelledCode is the pseudo-status attached to cancelled attempts.
const CancelledCode = 499

// retryableStatus is the closed set of HTTP statuses worth retrying.
var retryableStatus = map[int]bool{
	408: true,
	409: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Error is the single error type the completion client returns.
type Error struct {
	Kind    Kind
	Code    int // HTTP status or pseudo-status, 0 when none applies
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether another attempt could reasonably succeed.
// Only transport errors qualify: network failures (no status) and the
// retryable status set.
func (e *Error) Retryable() bool {
	if e.Kind != KindTransport {
		return false
	}
	return e.Code == 0 || retryableStatus[e.Code]
}

func transportErr(code int, format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Code: code, Message: fmt.Sprintf(format, args...)}
}

func contentErr(format string, args ...any) *Error {
	return &Error{Kind: KindContentValidation, Message: fmt.Sprintf(format, args...)}
}

func cancelledErr() *Error {
	return &Error{Kind: KindCancelled, Code: CancelledCode, Message: "cancelled"}
}
