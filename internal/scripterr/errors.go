// Package scripterr defines the failure kinds a script transform stage can
// surface to the pipeline. Every error produced by the engine is an *Error
// whose Kind is one of the sentinels below, so callers classify with
// errors.Is.
package scripterr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrScriptResolution    = errors.New("script resolution failed")
	ErrProcessStart        = errors.New("process start failed")
	ErrScriptExecution     = errors.New("script execution failed")
	ErrProtocolFraming     = errors.New("protocol framing error")
	ErrUnsupportedDataType = errors.New("unsupported data type")
	ErrTransformExecution  = errors.New("transform execution failed")
	ErrDeadlineExceeded    = errors.New("deadline exceeded")
	ErrNotOpen             = errors.New("stage not open")
	ErrClosed              = errors.New("stage closed")
)

// maxOutput bounds the captured child output rendered by Error().
const maxOutput = 4096

// Error is the single concrete error type of the engine.
type Error struct {
	Kind   error
	Stage  string
	Field  string
	Detail string
	// Output is what the child process printed, when known.
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %q)", e.Field)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		if len(out) > maxOutput {
			out = "..." + out[len(out)-maxOutput:]
		}
		b.WriteString("\n--- script output ---\n")
		b.WriteString(out)
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind error, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// UnsupportedDataType reports a value of field that has no mapping to typ.
func UnsupportedDataType(field, typ string) *Error {
	return &Error{Kind: ErrUnsupportedDataType, Field: field, Detail: typ}
}

// Execution reports a non-zero exit of the child with its captured output.
func Execution(code int, output string) *Error {
	return &Error{Kind: ErrScriptExecution, Detail: fmt.Sprintf("exit status %d", code), Output: output}
}

// Framing reports a response that is not the expected JSON array.
func Framing(detail, output string) *Error {
	return &Error{Kind: ErrProtocolFraming, Detail: detail, Output: output}
}

// TransformExecution wraps a per-row failure with the stage name and the row
// that caused it. The cause's kind stays reachable through errors.Is.
func TransformExecution(stage, row string, cause error) *Error {
	return &Error{Kind: ErrTransformExecution, Stage: stage, Detail: "row " + row, Err: cause}
}

// OutputOf returns the first captured child output found along err's chain.
func OutputOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Output != "" {
			return e.Output
		}
		err = e.Err
	}
	return ""
}

// Retryable reports whether a retry policy may re-attempt the failed call.
func Retryable(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded)
}

// KindOf returns a short label for metrics and logs.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(err, ErrScriptResolution):
		return "resolution"
	case errors.Is(err, ErrProcessStart):
		return "process_start"
	case errors.Is(err, ErrScriptExecution):
		return "execution"
	case errors.Is(err, ErrProtocolFraming):
		return "framing"
	case errors.Is(err, ErrUnsupportedDataType):
		return "data_type"
	case errors.Is(err, ErrClosed), errors.Is(err, ErrNotOpen):
		return "lifecycle"
	default:
		return "other"
	}
}
