// Package diagnostic turns worker failures into structured errors.
//
// Errors reach the parent two ways: a cooperating worker serializes its own
// failure into the response (FromError, FromPanic), and a crashed worker leaves
// only raw stderr text behind, which Classify parses best-effort.
package diagnostic

import (
	"fmt"
	"runtime"
	"strings"
)

// Category is the closed set of failure categories.
type Category string

const (
	CategoryFatal          Category = "fatal"
	CategoryParse          Category = "parse"
	CategoryCompile        Category = "compile"
	CategoryUncaught       Category = "uncaught_exception"
	CategoryUserError      Category = "user_error"
	CategoryWarning        Category = "warning"
	CategoryUserWarning    Category = "user_warning"
	CategoryNotice         Category = "notice"
	CategoryUserNotice     Category = "user_notice"
	CategoryDeprecated     Category = "deprecated"
	CategoryUserDeprecated Category = "user_deprecated"

	// CategoryJob is an error returned by the job function.
	CategoryJob Category = "job"
	// CategoryPanic is a panic recovered inside the worker.
	CategoryPanic Category = "panic"
	// CategoryEnvironment is a control application failure.
	CategoryEnvironment Category = "environment"
	// CategoryProtocol is a response that could not be decoded.
	CategoryProtocol Category = "protocol"
	// CategoryTerminated is a worker killed by its supervisor.
	CategoryTerminated Category = "terminated"
	// CategoryLaunch is a worker that never started.
	CategoryLaunch Category = "launch"
	// CategoryUnstructured wraps unrecognizable stderr text verbatim.
	CategoryUnstructured Category = "unstructured"
	// CategoryNoOutput is a worker that failed without writing anything.
	CategoryNoOutput Category = "no_output"
)

// rank orders categories by how likely they ended execution.
func (c Category) rank() int {
	switch c {
	case CategoryFatal, CategoryUncaught, CategoryParse, CategoryCompile, CategoryPanic:
		return 5
	case CategoryUserError:
		return 4
	case CategoryWarning, CategoryUserWarning:
		return 3
	case CategoryNotice, CategoryUserNotice:
		return 2
	case CategoryDeprecated, CategoryUserDeprecated:
		return 1
	default:
		return 0
	}
}

// Error is a structured failure description that survives the process boundary.
type Error struct {
	Type     string   `msgpack:"type" json:"type" yaml:"type"`
	Category Category `msgpack:"category" json:"category" yaml:"category"`
	Message  string   `msgpack:"message" json:"message" yaml:"message"`
	File     string   `msgpack:"file,omitempty" json:"file,omitempty" yaml:"file,omitempty"`
	Line     int      `msgpack:"line,omitempty" json:"line,omitempty" yaml:"line,omitempty"`
	Trace    []string `msgpack:"trace,omitempty" json:"trace,omitempty" yaml:"trace,omitempty"`
}

// Error returns the original message. The originating type stays in Type.
func (e *Error) Error() string {
	return e.Message
}

// Is matches another *Error with the same type and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Message == t.Message
}

// Location renders "file:line", or "" when unknown.
func (e *Error) Location() string {
	if e.File == "" {
		return ""
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	return e.File
}

// WithBoundary returns a copy whose trace continues past a process boundary
// marker into the caller's own stack.
func (e *Error) WithBoundary(label string) *Error {
	out := *e
	out.Trace = make([]string, 0, len(e.Trace)+8)
	out.Trace = append(out.Trace, e.Trace...)
	out.Trace = append(out.Trace, fmt.Sprintf("--- %s ---", label))
	out.Trace = append(out.Trace, callers(3)...)
	return &out
}

// New creates an error of the given category.
func New(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// FromError converts a job error into a transportable *Error.
// Errors that already are *Error pass through unchanged.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*Error); ok {
		return de
	}
	return &Error{
		Type:     fmt.Sprintf("%T", err),
		Category: CategoryJob,
		Message:  err.Error(),
	}
}

// FromPanic converts a recovered panic value and its stack into an *Error.
func FromPanic(v any, stack []byte) *Error {
	e := &Error{Type: "panic", Category: CategoryPanic}
	if err, ok := v.(error); ok {
		e.Message = err.Error()
		e.Type = fmt.Sprintf("panic(%T)", err)
	} else {
		e.Message = fmt.Sprint(v)
	}
	e.Trace = splitTrace(string(stack))
	e.File, e.Line = firstUserFrame(e.Trace)
	return e
}

func callers(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		f, more := frames.Next()
		out = append(out, fmt.Sprintf("%s\n\t%s:%d", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return out
}

func splitTrace(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
