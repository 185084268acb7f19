package generation

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrGenerationActive    = errors.New("session already has an active generation")
	ErrGenerationNil       = errors.New("generation is nil")
	ErrNotUserMessage      = errors.New("message is not a user message")
	ErrNothingToRegenerate = errors.New("no user message to regenerate from")
	ErrNoModels            = errors.New("compare needs at least one model")
	ErrEmptyMessage        = errors.New("message is empty")
)

// TransportError is a network failure or disconnect before completion.
type TransportError struct {
	// Phase is the generation state the failure happened in.
	Phase State
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure while %s: %v", e.Phase, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is an error event reported inside the stream.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
