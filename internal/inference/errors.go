package inference

import "fmt"

// ModelLoadError is returned by Init when the model or its metadata cannot be
// used. It is fatal at boot.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("loading model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError is a per-request failure to score a tensor.
type InferenceError struct {
	Reason string
	Err    error
}

func (e *InferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference failed: %s: %v", e.Reason, e.Err)
	}
	return "inference failed: " + e.Reason
}

func (e *InferenceError) Unwrap() error { return e.Err }
