package objstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

var (
	ErrInvalidPath         = errors.New("invalid remote path")
	ErrInitialization      = errors.New("remote storage initialization failed")
	ErrBackendUnavailable  = errors.New("remote storage backend unavailable")
	ErrSizeMismatch        = errors.New("body size does not match declared size")
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")
	// ErrNotModified is returned by Download when the requested ETag still
	// matches the object. It is an outcome, not a failure.
	ErrNotModified     = errors.New("object not modified")
	ErrVersionNotFound = errors.New("object version not found")
	ErrNotFound        = errors.New("object not found")
	ErrCancelled       = errors.New("operation cancelled")
	ErrTimeout         = errors.New("operation timed out")
)

// BackendError is a failure reported by the provider. Code is the closest
// gRPC status code; ProviderCode is the provider's own identifier, e.g.
// "SlowDown" or "AuthorizationFailure".
type BackendError struct {
	Op           string
	Code         codes.Code
	ProviderCode string
	Message      string
	Retryable    bool
	Err          error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "backend error %s", e.Code)
	if e.ProviderCode != "" {
		fmt.Fprintf(&b, " (%s)", e.ProviderCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// newBackendError classifies code; retryable codes are the ones a later
// attempt can reasonably expect to succeed.
func newBackendError(code codes.Code, providerCode, message string, cause error) *BackendError {
	return &BackendError{
		Code:         code,
		ProviderCode: providerCode,
		Message:      message,
		Retryable:    retryableCode(code),
		Err:          cause,
	}
}

func retryableCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unknown, codes.DeadlineExceeded:
		return true
	}
	return false
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// DeleteFailure is a single path that could not be deleted.
type DeleteFailure struct {
	Path RemotePath
	Err  error
}

// PartialDeleteFailure is returned by DeleteObjects after every path was
// attempted and at least one could not be deleted.
type PartialDeleteFailure struct {
	Failed []DeleteFailure
}

func (e *PartialDeleteFailure) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, fmt.Sprintf("%s: %v", f.Path, f.Err))
	}
	return fmt.Sprintf("failed to delete %d object(s): %s", len(e.Failed), strings.Join(names, "; "))
}

// contextError converts the state of a finished context into the client's
// cancellation outcomes. parent is the caller's context, derived the one
// carrying the tier deadline.
func contextError(parent, derived context.Context) error {
	if err := parent.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return ErrTimeout
		}
		return ErrCancelled
	}
	if derived != nil && derived.Err() != nil {
		return ErrTimeout
	}
	return nil
}
