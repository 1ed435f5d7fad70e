package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/pithecene-io/isolate/control"
	"github.com/pithecene-io/isolate/diagnostic"
	"github.com/pithecene-io/isolate/frame"
	"github.com/pithecene-io/isolate/job"
	"github.com/pithecene-io/isolate/protocol"
)

// Host runs inside the worker process. It owns stderr: job output written
// there is kept, and the response is appended after it.
type Host struct {
	// Registry resolves job names. Nil means job.Builtins().
	Registry *job.Registry
	// Config is the base configuration control config is merged over.
	Config map[string]any
	// Stderr receives the response. Nil means os.Stderr.
	Stderr io.Writer
}

// loaderFunc adapts a function to control.Loader.
type loaderFunc func(path string) error

func (f loaderFunc) Load(path string) error { return f(path) }

// Serve runs the request named by the last element of args, which is either
// an encoded request or the path of a file holding one. It returns the
// process exit code.
func (h *Host) Serve(ctx context.Context, args []string) int {
	reg := h.Registry
	if reg == nil {
		reg = job.Builtins()
	}
	stderr := h.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	if len(args) == 0 {
		fmt.Fprintln(stderr, "isolate worker: missing request payload")
		return protocol.ExitInvalidInput
	}
	payload, err := readPayload(args[len(args)-1])
	if err != nil {
		fmt.Fprintf(stderr, "isolate worker: %v\n", err)
		return protocol.ExitInvalidInput
	}

	var applied *control.Applied
	// Script files are evaluated in this process, so loading them is the
	// first thing that can run user code.
	loader := loaderFunc(func(path string) error { return reg.Scripts().Load(path) })
	apply := func(d control.Descriptor) (err error) {
		applied, err = d.Apply(h.Config, loader)
		return err
	}

	var resp *protocol.Response
	req, err := decodeRequest(payload, apply)
	switch {
	case req == nil:
		fmt.Fprintf(stderr, "isolate worker: %v\n", err)
		return protocol.ExitInvalidInput
	case err != nil:
		resp = requestFailure(err)
	default:
		resp = h.run(ctx, reg, req, applied)
	}

	if err := protocol.WriteResponse(stderr, req.Separator(), resp); err != nil {
		fmt.Fprintf(stderr, "isolate worker: %v\n", err)
		return protocol.ExitJobError
	}
	return resp.ExitCode
}

// decodeRequest decodes and applies a request, turning a panic raised while
// loading script files into an error.
func decodeRequest(payload string, apply func(control.Descriptor) error) (*protocol.Request, error) {
	guarded := func(d control.Descriptor) (err error) {
		defer func() {
			if v := recover(); v != nil {
				err = diagnostic.FromPanic(v, debug.Stack())
			}
		}()
		return apply(d)
	}
	return protocol.FromPayload(payload, guarded)
}

func (h *Host) run(ctx context.Context, reg *job.Registry, req *protocol.Request, applied *control.Applied) *protocol.Response {
	fn, err := reg.Resolve(req.Job.Name)
	if err != nil {
		return protocol.NewFailure(diagnostic.FromError(err))
	}

	env := job.Environment{WorkerID: os.Getenv(WorkerIDEnv)}
	if applied != nil {
		env.Config = applied.Config
	}
	ctx = job.WithEnvironment(ctx, env)

	value, err := invoke(ctx, fn, job.NewArgs(req.Job.Args))
	return protocol.NewResponse(value, err)
}

// invoke runs fn, converting a panic into an error.
func invoke(ctx context.Context, fn job.Func, args job.Args) (value any, err error) {
	defer func() {
		if v := recover(); v != nil {
			value, err = nil, diagnostic.FromPanic(v, debug.Stack())
		}
	}()
	return fn(ctx, args)
}

// requestFailure describes a request that could not be applied or decoded.
func requestFailure(err error) *protocol.Response {
	var de *diagnostic.Error
	if errors.As(err, &de) {
		return protocol.NewFailure(de)
	}

	var ce *control.Error
	if errors.As(err, &ce) {
		e := diagnostic.New(diagnostic.CategoryEnvironment, "%v", err)
		e.Type = "control"
		e.File = ce.Path
		return protocol.NewFailure(e)
	}

	e := diagnostic.New(diagnostic.CategoryProtocol, "%v", err)
	e.Type = "protocol"
	resp := protocol.NewFailure(e)
	var fe *frame.Error
	if errors.As(err, &fe) {
		resp.ExitCode = protocol.ExitInvalidInput
	}
	return resp
}

// readPayload accepts an encoded request, which always starts with the frame
// sentinel, or the path of a file holding one.
func readPayload(arg string) (string, error) {
	if strings.HasPrefix(arg, string(frame.StartChar)) {
		return arg, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("failed to read request file: %w", err)
	}
	return string(data), nil
}
