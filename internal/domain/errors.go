package domain

import (
	"errors"
	"fmt"
)

// Error classes. Typed errors below match them with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrTemplate      = errors.New("template error")
	ErrConfiguration = errors.New("configuration error")
	ErrSink          = errors.New("sink error")
	ErrCancelled     = errors.New("stream cancelled")

	// ErrStopStream is returned by a sink to end the stream early without failing it.
	ErrStopStream = errors.New("sink requested stop")

	// ErrEmitterUsed is returned when Emit is called on an emitter that already ran.
	ErrEmitterUsed = errors.New("emitter already used")

	ErrJobNotFound       = errors.New("job not found")
	ErrTooManyStreams    = errors.New("too many concurrent streams")
	ErrStreamUnsupported = errors.New("response writer does not support streaming")
)

// ValidationError reports malformed stage results or a wrong input arity.
// Index is -1 when the error concerns the whole input rather than one result.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		if e.Field == "" {
			return fmt.Sprintf("validation error: %s", e.Reason)
		}
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation error: results[%d].%s: %s", e.Index, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TemplateError reports a template that is malformed or references missing slots
type TemplateError struct {
	Template string
	Slot     string
	Reason   string
}

func (e *TemplateError) Error() string {
	if e.Slot == "" {
		return fmt.Sprintf("template %q: %s", e.Template, e.Reason)
	}
	return fmt.Sprintf("template %q: slot %s: %s", e.Template, e.Slot, e.Reason)
}

func (e *TemplateError) Is(target error) bool { return target == ErrTemplate }

// ConfigurationError reports an invalid emitter parameter
type ConfigurationError struct {
	Param  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s=%v: %s", e.Param, e.Value, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// SinkError wraps a delivery failure reported by the sink for chunk Index
type SinkError struct {
	Index int
	Err   error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink failed at chunk %d: %v", e.Index, e.Err)
}

func (e *SinkError) Is(target error) bool { return target == ErrSink }

func (e *SinkError) Unwrap() error { return e.Err }

// CancelledError reports a cooperative cancellation observed before chunk Index was delivered
type CancelledError struct {
	Index int
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("stream cancelled before chunk %d", e.Index)
	}
	return fmt.Sprintf("stream cancelled before chunk %d: %v", e.Index, e.Cause)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

func (e *CancelledError) Unwrap() error { return e.Cause }
