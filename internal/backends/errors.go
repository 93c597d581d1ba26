package backends

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
)

var (
	ErrUnknownKind        = errors.New("no executor registered for backend kind")
	ErrCredentialsMissing = errors.New("credentials missing")
	ErrEmptyResponse      = errors.New("backend returned no output")
	ErrImagesUnsupported  = errors.New("backend does not accept image input")
)

// UnreachableError is a backend that could not be connected to.
type UnreachableError struct {
	Kind types.BackendKind
	URL  string
	Err  error
}

func (e *UnreachableError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s backend unreachable at %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("%s backend unreachable: %v", e.Kind, e.Err)
}

func (e *UnreachableError) Unwrap() error   { return e.Err }
func (e *UnreachableError) ErrorID() string { return "BackendUnreachable" }

// TimeoutError is a call that exceeded the per-kind timeout.
type TimeoutError struct {
	Kind  types.BackendKind
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s backend timed out after %s", e.Kind, e.After)
}

func (e *TimeoutError) ErrorID() string { return "BackendTimeout" }

// BackendError is a protocol-level failure that came back with a body.
type BackendError struct {
	Kind    types.BackendKind
	Code    int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend error (status %d): %s", e.Kind, e.Code, e.Message)
}

func (e *BackendError) ErrorID() string { return "BackendError" }

// RefusedError is a backend declining the request on policy grounds.
type RefusedError struct {
	Kind    types.BackendKind
	Message string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%s backend refused the request: %s", e.Kind, e.Message)
}

func (e *RefusedError) ErrorID() string { return "BackendRefused" }

// IsBackendError reports whether err is one of the router's typed failures.
func IsBackendError(err error) bool {
	var (
		u *UnreachableError
		t *TimeoutError
		b *BackendError
		r *RefusedError
	)
	return errors.As(err, &u) || errors.As(err, &t) || errors.As(err, &b) || errors.As(err, &r)
}

// classify maps transport errors to the typed errors above. Cancellation by
// the caller is passed through untouched.
func classify(ctx context.Context, kind types.BackendKind, target string, timeout time.Duration, err error) error {
	if err == nil || IsBackendError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &TimeoutError{Kind: kind, After: timeout}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Kind: kind, After: timeout}
	}
	if isConnError(err) {
		return &UnreachableError{Kind: kind, URL: target, Err: err}
	}
	return err
}

func isConnError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && errors.Is(urlErr.Err, syscall.ECONNREFUSED)
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}

// statusError converts an HTTP status with its body into a typed error. The
// GPU service signals its error class through the status code.
func statusError(kind types.BackendKind, target string, status int, message string) error {
	switch status {
	case 503:
		return &UnreachableError{Kind: kind, URL: target, Err: errors.New(message)}
	case 504:
		return &TimeoutError{Kind: kind}
	}
	return &BackendError{Kind: kind, Code: status, Message: message}
}
