// Package job defines the units of work shipped to worker processes.
//
// A worker cannot receive arbitrary closures, so a job is a reference: the name
// of a function registered in the worker binary, or of a function defined by a
// Go source file the worker interpreted while applying its control descriptor,
// plus a msgpack-encoded argument bundle.
package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ScriptPrefix marks a call resolved against interpreted source files,
// e.g. "script:main.Double".
const ScriptPrefix = "script:"

// ErrUnknownJob is returned when a call names no registered or scripted function.
var ErrUnknownJob = errors.New("unknown job")

// Call is a serializable reference to a job function and its arguments.
type Call struct {
	Name string             `msgpack:"name"`
	Args msgpack.RawMessage `msgpack:"args"`
}

// NewCall encodes args and returns a call to the named function.
func NewCall(name string, args any) (Call, error) {
	if name == "" {
		return Call{}, errors.New("job name is required")
	}
	raw, err := msgpack.Marshal(args)
	if err != nil {
		return Call{}, fmt.Errorf("failed to encode args for %s: %w", name, err)
	}
	return Call{Name: name, Args: raw}, nil
}

// MustCall is NewCall for static arguments; it panics on encoding errors.
func MustCall(name string, args any) Call {
	c, err := NewCall(name, args)
	if err != nil {
		panic(err)
	}
	return c
}

// Args is the argument bundle handed to a job function.
type Args struct {
	raw msgpack.RawMessage
}

// NewArgs wraps an encoded argument bundle.
func NewArgs(raw msgpack.RawMessage) Args {
	return Args{raw: raw}
}

// Decode unmarshals the arguments into v. Empty arguments leave v untouched.
func (a Args) Decode(v any) error {
	if len(a.raw) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(a.raw, v); err != nil {
		return fmt.Errorf("failed to decode job args: %w", err)
	}
	return nil
}

// Map decodes the arguments as a string-keyed map; nil arguments yield an
// empty map. Integers decode as int64 or uint64 and floats as float64.
func (a Args) Map() (map[string]any, error) {
	m := map[string]any{}
	if len(a.raw) == 0 {
		return m, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(a.raw))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode job args: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Raw returns the encoded arguments.
func (a Args) Raw() msgpack.RawMessage {
	return a.raw
}

// Func is a job implementation.
type Func func(ctx context.Context, args Args) (any, error)

// ScriptFunc is the signature interpreted script functions must have.
type ScriptFunc = func(map[string]any) (any, error)

// Registry resolves call names to functions.
type Registry struct {
	mu      sync.RWMutex
	funcs   map[string]Func
	scripts *Interpreter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scripts returns the registry's interpreter, creating it on first use.
func (r *Registry) Scripts() *Interpreter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scripts == nil {
		r.scripts = NewInterpreter()
	}
	return r.scripts
}

// Resolve finds the function a call refers to.
func (r *Registry) Resolve(name string) (Func, error) {
	if symbol, ok := strings.CutPrefix(name, ScriptPrefix); ok {
		fn, err := r.Scripts().Lookup(symbol)
		if err != nil {
			return nil, err
		}
		return func(_ context.Context, args Args) (any, error) {
			m, err := args.Map()
			if err != nil {
				return nil, err
			}
			return fn(m)
		}, nil
	}

	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return fn, nil
}

type contextKey struct{}

// Environment is what a running job can learn about its worker.
type Environment struct {
	// WorkerID is the id of the worker spec.
	WorkerID string
	// Config is the merged worker configuration.
	Config map[string]any
}

// WithEnvironment attaches env to ctx.
func WithEnvironment(ctx context.Context, env Environment) context.Context {
	return context.WithValue(ctx, contextKey{}, env)
}

// EnvironmentFrom returns the environment attached to ctx, if any.
func EnvironmentFrom(ctx context.Context) (Environment, bool) {
	env, ok := ctx.Value(contextKey{}).(Environment)
	return env, ok
}
