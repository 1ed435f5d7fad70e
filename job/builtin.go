package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Builtin job names.
const (
	Echo   = "echo"
	Sleep  = "sleep"
	Fail   = "fail"
	Exit   = "exit"
	Panic  = "panic"
	Env    = "env"
	Cwd    = "cwd"
	Config = "config"
	Print  = "print"
	Alloc  = "alloc"
)

// Builtins returns a registry holding the builtin jobs.
func Builtins() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins adds the builtin jobs to r.
func RegisterBuiltins(r *Registry) {
	r.Register(Echo, echo)
	r.Register(Sleep, sleep)
	r.Register(Fail, fail)
	r.Register(Exit, exit)
	r.Register(Panic, panicJob)
	r.Register(Env, env)
	r.Register(Cwd, cwd)
	r.Register(Config, config)
	r.Register(Print, printJob)
	r.Register(Alloc, alloc)
}

// echo returns its "value" argument.
func echo(_ context.Context, args Args) (any, error) {
	var in struct {
		Value any `msgpack:"value"`
	}
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	return in.Value, nil
}

// sleep waits for "duration" (a Go duration string), then returns "value".
func sleep(ctx context.Context, args Args) (any, error) {
	var in struct {
		Duration string `msgpack:"duration"`
		Value    any    `msgpack:"value"`
	}
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(in.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", in.Duration, err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return in.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail returns an error carrying "message".
func fail(_ context.Context, args Args) (any, error) {
	var in struct {
		Message string `msgpack:"message"`
	}
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	return nil, errors.New(in.Message)
}

// exit writes "stderr" and terminates the process with "code", bypassing the
// response protocol.
func exit(_ context.Context, args Args) (any, error) {
	var in struct {
		Code   int    `msgpack:"code"`
		Stderr string `msgpack:"stderr"`
	}
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	if in.Stderr != "" {
		fmt.Fprint(os.Stderr, in.Stderr)
	}
	os.Exit(in.Code)
	return nil, nil // unreachable; satisfies the signature
}

func panicJob(_ context.Context, args Args) (any, error) {
	var in struct {
		Message string `msgpack:"message"`
	}
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	panic(in.Message)
}

// env returns the value of the environment variable "name".
func env(_ context.Context, args Args) (any, error) {
	var in struct {
		Name string `msgpack:"name"`
	}
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	return os.Getenv(in.Name), nil
}

func cwd(context.Context, Args) (any, error) {
	return os.Getwd()
}

// config returns the worker configuration entry "key".
func config(ctx context.Context, args Args) (any, error) {
	var in struct {
		Key string `msgpack:"key"`
	}
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	e, ok := EnvironmentFrom(ctx)
	if !ok {
		return nil, errors.New("no worker environment")
	}
	return e.Config[in.Key], nil
}

// printJob writes "stdout" and "stderr" verbatim, then returns "value".
func printJob(_ context.Context, args Args) (any, error) {
	var in struct {
		Stdout string `msgpack:"stdout"`
		Stderr string `msgpack:"stderr"`
		Value  any    `msgpack:"value"`
	}
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	fmt.Fprint(os.Stdout, in.Stdout)
	fmt.Fprint(os.Stderr, in.Stderr)
	return in.Value, nil
}

// alloc touches "bytes" bytes of memory and returns how many it held.
func alloc(_ context.Context, args Args) (any, error) {
	var in struct {
		Bytes int `msgpack:"bytes"`
	}
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	if in.Bytes < 0 {
		return nil, fmt.Errorf("negative allocation %d", in.Bytes)
	}
	buf := make([]byte, in.Bytes)
	for i := 0; i < len(buf); i += 4096 {
		buf[i] = 1
	}
	return len(buf), nil
}
