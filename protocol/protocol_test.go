package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/pithecene-io/isolate/control"
	"github.com/pithecene-io/isolate/diagnostic"
	"github.com/pithecene-io/isolate/frame"
	"github.com/pithecene-io/isolate/job"
)

func TestNewSeparator_Unique(t *testing.T) {
	a, b := NewSeparator(), NewSeparator()
	if a == b {
		t.Errorf("NewSeparator returned %q twice", a)
	}
	if !strings.HasPrefix(a, "__isolate_response_") || !strings.HasSuffix(a, "__") {
		t.Errorf("unexpected separator %q", a)
	}
	if strings.Contains(a, "\r") || strings.Contains(a, "\n") {
		t.Errorf("separator %q contains a line break", a)
	}
}

func TestRequest_Separator(t *testing.T) {
	r := NewRequest(control.Descriptor{}, job.Call{Name: "echo"})
	if r.Separator() != DefaultSeparator {
		t.Errorf("Separator() = %q, want default", r.Separator())
	}
	r.Control.Separator = "__custom__"
	if r.Separator() != "__custom__" {
		t.Errorf("Separator() = %q, want __custom__", r.Separator())
	}
}

func TestRequest_RoundTrip(t *testing.T) {
	c := control.Descriptor{
		RequireFiles:     []string{"/srv/a.go"},
		WorkingDirectory: "/srv",
		Environment:      map[string]string{"K": "V"},
		Separator:        "__sep__",
	}
	call := job.MustCall(job.Echo, map[string]any{"value": "hi"})
	payload, err := NewRequest(c, call).ToPayload()
	if err != nil {
		t.Fatalf("ToPayload failed: %v", err)
	}
	if !strings.HasPrefix(payload, "$") {
		t.Fatalf("payload %q is not a message", payload)
	}

	var applied control.Descriptor
	got, err := FromPayload(payload, func(d control.Descriptor) error {
		applied = d
		return nil
	})
	if err != nil {
		t.Fatalf("FromPayload failed: %v", err)
	}
	if applied.Separator != "__sep__" || applied.WorkingDirectory != "/srv" {
		t.Errorf("applied = %+v", applied)
	}
	if got.Job.Name != job.Echo || !bytes.Equal(got.Job.Args, call.Args) {
		t.Errorf("Job = %+v, want %+v", got.Job, call)
	}
}

func TestFromPayload_AppliesControlBeforeDecodingJob(t *testing.T) {
	control0, err := frame.Encode(control.Descriptor{Separator: "__s__"}.ToMap())
	if err != nil {
		t.Fatal(err)
	}
	// A valid control frame followed by an undecodable job frame.
	payload := control0 + "4\r\n!!!!\r\n"

	applied := false
	got, err := FromPayload(payload, func(control.Descriptor) error {
		applied = true
		return nil
	})
	if !applied {
		t.Error("control was not applied before the job frame failed")
	}
	if !frame.IsKind(err, frame.IncorrectEncoding) {
		t.Errorf("error = %v, want IncorrectEncoding", err)
	}
	if got == nil || got.Control.Separator != "__s__" {
		t.Errorf("partial request = %+v, want control descriptor", got)
	}
}

func TestFromPayload_ControlErrorStopsBeforeJob(t *testing.T) {
	payload, err := NewRequest(control.Descriptor{}, job.Call{Name: "echo"}).ToPayload()
	if err != nil {
		t.Fatal(err)
	}
	want := errors.New("missing preload")
	got, err := FromPayload(payload, func(control.Descriptor) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
	if got.Job.Name != "" {
		t.Errorf("job decoded despite control failure: %+v", got.Job)
	}
}

func TestFromPayload_Malformed(t *testing.T) {
	if _, err := FromPayload("not a message", nil); !frame.IsKind(err, frame.MissingStartChar) {
		t.Errorf("error = %v, want MissingStartChar", err)
	}
	only, _ := frame.Encode(control.Descriptor{}.ToMap())
	if _, err := FromPayload(only, nil); !frame.IsKind(err, frame.MismatchingLength) {
		t.Errorf("error = %v, want MismatchingLength", err)
	}
}

func TestResponse_RoundTrip(t *testing.T) {
	r := NewResponse(42, nil)
	r.Telemetry.PeakMemoryBytes = 1024
	payload, err := r.ToPayload()
	if err != nil {
		t.Fatalf("ToPayload failed: %v", err)
	}

	got, err := ParseResponse(payload)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	var v int
	if err := got.Outcome.Decode(&v); err != nil || v != 42 {
		t.Errorf("Decode = %d, %v; want 42", v, err)
	}
	if got.ExitCode != ExitSuccess || got.Telemetry.PeakMemoryBytes != 1024 {
		t.Errorf("ParseResponse = %+v", got)
	}
}

func TestNewResponse_Error(t *testing.T) {
	r := NewResponse(nil, errors.New("boom"))
	if !r.Outcome.Failed() || r.ExitCode != ExitJobError {
		t.Fatalf("NewResponse = %+v", r)
	}
	var v any
	if err := r.Outcome.Decode(&v); err == nil || err.Error() != "boom" {
		t.Errorf("Decode error = %v", err)
	}
}

func TestWriteResponse_FromStderr(t *testing.T) {
	sep := NewSeparator()
	var buf bytes.Buffer
	buf.WriteString("warning: disk almost full\n")

	if err := WriteResponse(&buf, sep, NewResponse("done", nil)); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}

	resp, diag := FromStderr(buf.Bytes(), sep)
	if string(diag) != "warning: disk almost full\n" {
		t.Errorf("diagnostics = %q", diag)
	}
	var v string
	if err := resp.Outcome.Decode(&v); err != nil || v != "done" {
		t.Errorf("Decode = %q, %v", v, err)
	}
	if resp.Telemetry.PeakMemoryBytes <= 0 {
		t.Errorf("PeakMemoryBytes = %d, want > 0", resp.Telemetry.PeakMemoryBytes)
	}
}

func TestFromStderr_NoSeparator(t *testing.T) {
	raw := []byte("Segmentation fault\n")
	resp, diag := FromStderr(raw, "__sep__")
	if resp.ExitCode != ExitJobError || !resp.Outcome.Failed() {
		t.Fatalf("FromStderr = %+v", resp)
	}
	if resp.Outcome.Err.Category != diagnostic.CategoryUnstructured {
		t.Errorf("Category = %q, want unstructured", resp.Outcome.Err.Category)
	}
	if !bytes.Equal(diag, raw) {
		t.Errorf("diagnostics = %q, want raw stderr", diag)
	}
}

func TestFromStderr_Empty(t *testing.T) {
	resp, _ := FromStderr(nil, "")
	if resp.Outcome.Err == nil || resp.Outcome.Err.Category != diagnostic.CategoryNoOutput {
		t.Errorf("FromStderr(nil) = %+v, want no_output failure", resp)
	}
}

func TestFromStderr_MalformedPayload(t *testing.T) {
	raw := []byte("job output\r\n__sep__\r\n\r\n$5\r\nabc\r\n")
	resp, diag := FromStderr(raw, "__sep__")
	if resp.Outcome.Err == nil || resp.Outcome.Err.Category != diagnostic.CategoryProtocol {
		t.Fatalf("FromStderr = %+v, want protocol failure", resp)
	}
	if !strings.Contains(resp.Outcome.Err.Message, "mismatching_length") {
		t.Errorf("Message = %q", resp.Outcome.Err.Message)
	}
	if string(diag) != "job output" {
		t.Errorf("diagnostics = %q, want job output", diag)
	}
}

func TestFromStderr_OversizeLengthHeader(t *testing.T) {
	outcome, err := frame.Encode(Outcome{})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		payload string
	}{
		{"max int length", "$9223372036854775807\r\nAAAA\r\n"},
		{"length beyond int", "$184467440737095516160\r\nAAAA\r\n"},
		{"second frame", outcome + "9223372036854775807\r\nA\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte("job output\r\n__sep__\r\n\r\n" + tt.payload)
			resp, diag := FromStderr(raw, "__sep__")
			if resp.Outcome.Err == nil || resp.Outcome.Err.Category != diagnostic.CategoryProtocol {
				t.Fatalf("FromStderr = %+v, want protocol failure", resp)
			}
			if !strings.Contains(resp.Outcome.Err.Message, "mismatching_length") {
				t.Errorf("Message = %q", resp.Outcome.Err.Message)
			}
			if string(diag) != "job output" {
				t.Errorf("diagnostics = %q, want job output", diag)
			}
		})
	}
}

func FuzzFromStderr(f *testing.F) {
	seeds := []string{
		"",
		"plain text\n",
		"out\r\n__sep__\r\n\r\n$5\r\nabc\r\n",
		"out\r\n__sep__\r\n\r\n$9223372036854775807\r\nAAAA\r\n",
		"__sep__\r\n\r\n$\r\n",
	}
	for _, s := range seeds {
		f.Add([]byte(s))
	}
	f.Fuzz(func(t *testing.T, raw []byte) {
		resp, _ := FromStderr(raw, "__sep__")
		if resp == nil {
			t.Fatal("FromStderr returned nil response")
		}
	})
}

func TestFromStderr_TrailingOutput(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, "__sep__", NewResponse(true, nil)); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("late goodbye")

	resp, diag := FromStderr(buf.Bytes(), "__sep__")
	if resp.Outcome.Failed() {
		t.Fatalf("unexpected failure: %v", resp.Outcome.Err)
	}
	if string(diag) != "late goodbye" {
		t.Errorf("diagnostics = %q, want late goodbye", diag)
	}
}

func TestFromStderr_UsesLastSeparator(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("__sep__\r\n\r\nnot a payload\n")
	if err := WriteResponse(&buf, "__sep__", NewResponse(7, nil)); err != nil {
		t.Fatal(err)
	}
	resp, diag := FromStderr(buf.Bytes(), "__sep__")
	var v int
	if err := resp.Outcome.Decode(&v); err != nil || v != 7 {
		t.Errorf("Decode = %d, %v; want 7", v, err)
	}
	if !strings.HasPrefix(string(diag), "__sep__") {
		t.Errorf("diagnostics = %q", diag)
	}
}
