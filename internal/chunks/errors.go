package chunks

import (
	"errors"
	"fmt"
)

var (
	ErrPassthroughNonText = errors.New("passthrough instruction is only defined for text chunks")
	ErrUnresolvedBackend  = errors.New("llm chunk has no resolved backend for this execution mode")
	ErrChunkNotInConfig   = errors.New("chunk is not part of the config")
)

// PlaceholderError is a required placeholder that resolved to nothing.
type PlaceholderError struct {
	Chunk string
	Name  string
}

func (e *PlaceholderError) Error() string {
	return fmt.Sprintf("chunk %s: required placeholder %s is unresolved", e.Chunk, e.Name)
}

// MappingError is an input mapping that could not be materialized.
type MappingError struct {
	Chunk string
	Key   string
	Err   error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("chunk %s: input mapping %s: %v", e.Chunk, e.Key, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}
