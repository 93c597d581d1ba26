package schemas

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotLoaded     = errors.New("schemas not loaded")
	ErrUnsupported   = errors.New("combination is explicitly unsupported")
	ErrNoTierFits    = errors.New("no vram tier fits this host")
	ErrNoOutputForMK = errors.New("no output config for media kind")
)

// ConfigError reports a definition file that could not be loaded or resolved.
// The offending entry is dropped; the rest of the registry stays usable.
type ConfigError struct {
	Kind   string
	Name   string
	Path   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind)
	if e.Name != "" {
		fmt.Fprintf(&sb, " %q", e.Name)
	}
	if e.Path != "" {
		fmt.Fprintf(&sb, " (%s)", e.Path)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) ErrorID() string {
	return "ConfigError"
}

// ValidationError lists the schema violations of one document.
type ValidationError struct {
	Errors []FieldError
}

type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed:")
	for i, err := range ve.Errors {
		fmt.Fprintf(&sb, " %d. %s: %s;", i+1, err.Field, err.Message)
	}
	return strings.TrimSuffix(sb.String(), ";")
}
