package kv

import (
	"errors"
)

var (
	// ErrKeyNotFound is returned when a key does not exist in the store.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConnection is returned when the store is unreachable. It is never
	// swallowed or translated into a miss.
	ErrConnection = errors.New("store connection failed")
	// ErrPipelineFailed is returned when an atomic batch produced no usable
	// results. Callers must not infer any per-command outcome from it.
	ErrPipelineFailed = errors.New("pipeline execution failed")
)

// IsTemporary reports whether an operation may succeed on retry.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrConnection)
}
