package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/isolate/diagnostic"
	"github.com/pithecene-io/isolate/frame"
	"github.com/pithecene-io/isolate/telemetry"
)

// Exit codes a cooperating worker produces.
const (
	// ExitSuccess indicates the job returned a value.
	ExitSuccess = 0
	// ExitJobError indicates the job failed, or the worker crashed.
	ExitJobError = 1
	// ExitInvalidInput indicates the worker could not read its request.
	ExitInvalidInput = 3
)

// blankLine ends the separator line and precedes the payload.
const blankLine = "\r\n\r\n"

// Outcome is either an encoded return value or an error.
type Outcome struct {
	Value msgpack.RawMessage `msgpack:"value,omitempty"`
	Err   *diagnostic.Error  `msgpack:"error,omitempty"`
}

// Success encodes v as a successful outcome.
func Success(v any) (Outcome, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode return value: %w", err)
	}
	return Outcome{Value: raw}, nil
}

// Failure wraps err as a failed outcome.
func Failure(err *diagnostic.Error) Outcome {
	return Outcome{Err: err}
}

// Failed reports whether the outcome is an error.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Decode unmarshals the return value into v. It returns the outcome error
// for failed outcomes.
func (o Outcome) Decode(v any) error {
	if o.Err != nil {
		return o.Err
	}
	if len(o.Value) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(o.Value, v); err != nil {
		return fmt.Errorf("failed to decode return value: %w", err)
	}
	return nil
}

// Telemetry is measured by the worker while producing its response.
type Telemetry struct {
	PeakMemoryBytes int64 `msgpack:"peak_memory_bytes"`
}

// Response is what a worker reports after running its job.
type Response struct {
	Outcome   Outcome
	ExitCode  int
	Telemetry Telemetry
}

type responseMeta struct {
	ExitCode  int       `msgpack:"exit_code"`
	Telemetry Telemetry `msgpack:"telemetry"`
}

// NewResponse builds the response for a job that returned (value, err).
func NewResponse(value any, err error) *Response {
	if err != nil {
		return NewFailure(diagnostic.FromError(err))
	}
	outcome, encErr := Success(value)
	if encErr != nil {
		return NewFailure(diagnostic.FromError(encErr))
	}
	return &Response{Outcome: outcome, ExitCode: ExitSuccess}
}

// NewFailure builds a failed response with exit code 1.
func NewFailure(err *diagnostic.Error) *Response {
	return &Response{Outcome: Failure(err), ExitCode: ExitJobError}
}

// ToPayload encodes the response as a two-frame message: outcome, then
// exit code and telemetry.
func (r *Response) ToPayload() (string, error) {
	payload, err := frame.Encode(r.Outcome, responseMeta{ExitCode: r.ExitCode, Telemetry: r.Telemetry})
	if err != nil {
		return "", fmt.Errorf("failed to encode response: %w", err)
	}
	return payload, nil
}

// ParseResponse decodes a response payload.
func ParseResponse(payload string) (*Response, error) {
	var (
		outcome Outcome
		meta    responseMeta
	)
	if err := frame.DecodeInto(payload, 0, &outcome, &meta); err != nil {
		return nil, err
	}
	return &Response{Outcome: outcome, ExitCode: meta.ExitCode, Telemetry: meta.Telemetry}, nil
}

// WriteResponse records the peak memory of the current process into r and
// writes the separator and payload to w. The measurement is taken as late as
// possible so it covers everything the job did.
func WriteResponse(w io.Writer, separator string, r *Response) error {
	r.Telemetry.PeakMemoryBytes = telemetry.Max(r.Telemetry.PeakMemoryBytes, telemetry.PeakRSS())
	payload, err := r.ToPayload()
	if err != nil {
		return err
	}
	// A job may have left a partial line behind.
	if _, err := io.WriteString(w, "\r\n"+separator+blankLine+payload); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// FromStderr recovers the response from everything a worker wrote to stderr.
// It never fails: without a separator the text is classified as a crash, and
// a separator followed by a malformed payload becomes a protocol error. The
// second return value is the diagnostic output the job itself produced.
func FromStderr(raw []byte, separator string) (*Response, []byte) {
	if separator == "" {
		separator = DefaultSeparator
	}
	marker := []byte(separator + blankLine)

	idx := bytes.LastIndex(raw, marker)
	if idx < 0 {
		return NewFailure(diagnostic.Classify(raw)), raw
	}

	diag := bytes.TrimSuffix(raw[:idx], []byte("\r\n"))
	payload := raw[idx+len(marker):]

	// Anything after the final terminator was written after the response
	// and belongs to the diagnostics.
	if end := bytes.LastIndex(payload, []byte(frame.CRLF)); end >= 0 && end+len(frame.CRLF) < len(payload) {
		diag = append(append([]byte(nil), diag...), payload[end+len(frame.CRLF):]...)
		payload = payload[:end+len(frame.CRLF)]
	}

	resp, err := ParseResponse(string(payload))
	if err != nil {
		kind := "invalid"
		var fe *frame.Error
		if errors.As(err, &fe) {
			kind = fe.Kind.String()
		}
		e := diagnostic.New(diagnostic.CategoryProtocol, "malformed worker response (%s): %v", kind, err)
		e.Type = "protocol"
		return NewFailure(e), diag
	}
	return resp, diag
}
