package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/backends"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/safety"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
)

var (
	ErrUnknownRun  = errors.New("unknown run")
	ErrNoModel     = errors.New("no model for role")
	ErrNoOutput    = errors.New("output config produced no media")
	ErrUnsupported = errors.New("unsupported combination")
)

type cancelledError struct{}

func (cancelledError) Error() string   { return "run cancelled" }
func (cancelledError) ErrorID() string { return "Cancelled" }

// ErrCancelled ends a run whose caller went away.
var ErrCancelled error = cancelledError{}

// RequestInvalidError rejects a request before any stage runs.
type RequestInvalidError struct {
	Field  string
	Reason string
	Err    error
}

func (e *RequestInvalidError) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "invalid request: " + msg
}

func (e *RequestInvalidError) Unwrap() error   { return e.Err }
func (e *RequestInvalidError) ErrorID() string { return "RequestInvalid" }

func invalid(field, reason string, err error) error {
	return &RequestInvalidError{Field: field, Reason: reason, Err: err}
}

type identified interface {
	ErrorID() string
}

// ErrorID returns the stable id a response carries for err.
func ErrorID(err error) string {
	var id identified
	switch {
	case err == nil:
		return ""
	case errors.As(err, &id):
		return id.ErrorID()
	case errors.Is(err, context.Canceled):
		return ErrCancelled.(identified).ErrorID()
	case errors.Is(err, backends.ErrEmptyResponse), errors.Is(err, ErrNoOutput):
		return "BackendError"
	}
	return "InternalError"
}

// errorInfo builds the response error block. Refusals carry their codes
// and the localized reason.
func errorInfo(err error) *types.ErrorInfo {
	if err == nil {
		return nil
	}
	var rejected *safety.RejectedError
	if errors.As(err, &rejected) && rejected.Verdict != nil {
		msg := rejected.Verdict.Reason
		if msg == "" {
			msg = err.Error()
		}
		return &types.ErrorInfo{ID: rejected.ErrorID(), Message: msg, Codes: rejected.Verdict.Codes}
	}
	return &types.ErrorInfo{ID: ErrorID(err), Message: err.Error()}
}
