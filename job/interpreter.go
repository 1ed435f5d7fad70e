package job

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Interpreter evaluates Go source files for script jobs.
// It implements control.Loader: loading a path twice is a no-op.
type Interpreter struct {
	mu     sync.Mutex
	interp *interp.Interpreter
	err    error
	loaded map[string]struct{}
	order  []string
}

// NewInterpreter creates an interpreter with the standard library available.
func NewInterpreter() *Interpreter {
	i := interp.New(interp.Options{})
	s := &Interpreter{interp: i, loaded: make(map[string]struct{})}
	if err := i.Use(stdlib.Symbols); err != nil {
		s.err = fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	return s
}

// Load evaluates the source file at path.
func (s *Interpreter) Load(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.loaded[abs]; ok {
		return nil
	}
	if _, err := s.interp.EvalPath(abs); err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", abs, err)
	}
	s.loaded[abs] = struct{}{}
	s.order = append(s.order, abs)
	return nil
}

// Loaded returns the evaluated files in load order.
func (s *Interpreter) Loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Lookup returns the interpreted function named by symbol, e.g. "main.Double".
func (s *Interpreter) Lookup(symbol string) (ScriptFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	v, err := s.interp.Eval(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: script symbol %q: %v", ErrUnknownJob, symbol, err)
	}
	if !v.IsValid() || !v.CanInterface() {
		return nil, fmt.Errorf("%w: script symbol %q is not a function", ErrUnknownJob, symbol)
	}
	fn, ok := v.Interface().(func(map[string]any) (any, error))
	if !ok {
		return nil, fmt.Errorf("script symbol %q has type %s, want func(map[string]any) (any, error)", symbol, v.Type())
	}
	return fn, nil
}
