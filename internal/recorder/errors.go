package recorder

import (
	"errors"
	"fmt"
)

var (
	ErrUnreadable = errors.New("metadata.json is unreadable")
	ErrFinalized  = errors.New("run is already finalized")
	ErrEmptyMedia = errors.New("media payload is empty")
)

// IOError is a failed recorder write. It never aborts a run.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("recorder %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error   { return e.Err }
func (e *IOError) ErrorID() string { return "RecorderIOError" }
