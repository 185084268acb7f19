package conversation

import "github.com/pkg/errors"

var (
	ErrMessageIDImmutable = errors.New("message id already assigned")
	ErrIndexOutOfRange    = errors.New("message index out of range")
	ErrMessageNotFound    = errors.New("message not found")
	ErrStateNil           = errors.New("conversation state is nil")
	ErrMutationNil        = errors.New("mutation is nil")
)
