// Package protocol defines the messages exchanged between a parent and a
// worker: the Request passed as the worker's input and the Response the
// worker appends to its stderr behind a separator token.
package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pithecene-io/isolate/control"
	"github.com/pithecene-io/isolate/frame"
	"github.com/pithecene-io/isolate/job"
)

// DefaultSeparator is used when a request carries no separator of its own.
const DefaultSeparator = "__isolate_response_separator__"

// NewSeparator returns a fresh high-entropy separator token.
func NewSeparator() string {
	return "__isolate_response_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
}

// Request is the worker input: the environment to rebuild and the job to run.
type Request struct {
	Control control.Descriptor
	Job     job.Call
}

// NewRequest pairs a control descriptor with a job call.
func NewRequest(c control.Descriptor, call job.Call) *Request {
	return &Request{Control: c, Job: call}
}

// Separator returns the token the worker must write before its response.
func (r *Request) Separator() string {
	if r.Control.Separator != "" {
		return r.Control.Separator
	}
	return DefaultSeparator
}

// ToPayload encodes the request as a two-frame message: control, then job.
func (r *Request) ToPayload() (string, error) {
	payload, err := frame.Encode(r.Control.ToMap(), r.Job)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	return payload, nil
}

// FromPayload decodes a request. The control frame is decoded and handed to
// apply before the job frame is decoded, so anything the job frame depends on
// (loaded files, working directory, environment) is in place first. A nil
// apply skips application. When a later step fails, the returned Request
// still carries the decoded control descriptor.
func FromPayload(payload string, apply func(control.Descriptor) error) (*Request, error) {
	var raw map[string]any
	if err := frame.DecodeInto(payload, 0, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode control frame: %w", err)
	}
	c, err := control.FromMap(raw)
	if err != nil {
		return nil, err
	}

	if apply != nil {
		if err := apply(c); err != nil {
			return &Request{Control: c}, err
		}
	}

	var call job.Call
	if err := frame.DecodeInto(payload, 1, &call); err != nil {
		return &Request{Control: c}, fmt.Errorf("failed to decode job frame: %w", err)
	}
	return &Request{Control: c, Job: call}, nil
}
