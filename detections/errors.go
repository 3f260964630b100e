package detections

import (
	"errors"
	"fmt"
)

var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrInference        = errors.New("inference failed")
	ErrPoolClosed       = errors.New("pool is closed")
	ErrAcquireTimeout   = errors.New("timeout waiting for available session")
)

// InferenceError wraps any failure raised while running a model.
type InferenceError struct {
	Model   string
	Message string
	Cause   error
}

func (e *InferenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Model, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Model, e.Message)
}

func (e *InferenceError) Unwrap() error { return e.Cause }

func (e *InferenceError) Is(target error) bool { return target == ErrInference }
