// Package control describes how to rebuild an execution environment inside a
// freshly spawned worker process and applies that description.
package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PreloadEnv names the environment variable that carries the ambient preload
// file picked up by Current.
const PreloadEnv = "ISOLATE_PRELOAD"

// ErrorKind classifies control application errors.
type ErrorKind int

const (
	// PreloadFileNotFound indicates the preload path does not exist.
	PreloadFileNotFound ErrorKind = iota
	// RequiredFileNotFound indicates a require file does not exist.
	RequiredFileNotFound
	// WorkingDirectoryNotFound indicates the working directory does not exist.
	WorkingDirectoryNotFound
	// LoadFailed indicates the loader rejected an existing file.
	LoadFailed
	// InvalidDescriptor indicates a map that does not describe a Descriptor.
	InvalidDescriptor
)

func (k ErrorKind) String() string {
	switch k {
	case PreloadFileNotFound:
		return "preload file not found"
	case RequiredFileNotFound:
		return "required file not found"
	case WorkingDirectoryNotFound:
		return "working directory not found"
	case LoadFailed:
		return "load failed"
	case InvalidDescriptor:
		return "invalid descriptor"
	default:
		return fmt.Sprintf("control error %d", int(k))
	}
}

// Error is a control application error naming the offending path.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a control error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Loader loads a source file into the worker. Implementations must treat a
// second Load of the same path as a no-op.
type Loader interface {
	Load(path string) error
}

// Descriptor describes the environment a job needs.
type Descriptor struct {
	// PreloadPath is loaded before any require file. Optional.
	PreloadPath string `yaml:"preload"`
	// RequireFiles are loaded in order after the preload.
	RequireFiles []string `yaml:"require"`
	// WorkingDirectory is entered before the job runs. Optional.
	WorkingDirectory string `yaml:"working_directory"`
	// ExternalConfig is merged over the worker's base configuration.
	ExternalConfig map[string]any `yaml:"config"`
	// Environment is exported into the worker process environment.
	Environment map[string]string `yaml:"env"`
	// Separator is the token that precedes the response on stderr.
	Separator string `yaml:"-"`
}

// Applied is the environment established by Apply.
type Applied struct {
	// Config is the base configuration with ExternalConfig merged over it.
	Config map[string]any
	// Environment mirrors every variable Apply exported.
	Environment map[string]string
	// WorkingDirectory is the directory Apply entered, or "" if unchanged.
	WorkingDirectory string
	// Loaded lists the files handed to the loader, in order.
	Loaded []string
}

// Apply establishes the described environment in the current process.
//
// Order: preload, require files (stopping at the first missing one), working
// directory, configuration merge, environment export. A nil loader only
// verifies that files exist. base is never mutated.
func (d Descriptor) Apply(base map[string]any, loader Loader) (*Applied, error) {
	applied := &Applied{
		Config:      make(map[string]any, len(base)+len(d.ExternalConfig)),
		Environment: make(map[string]string, len(d.Environment)),
	}

	if d.PreloadPath != "" {
		if err := load(d.PreloadPath, PreloadFileNotFound, loader); err != nil {
			return nil, err
		}
		applied.Loaded = append(applied.Loaded, d.PreloadPath)
	}

	for _, path := range d.RequireFiles {
		if err := load(path, RequiredFileNotFound, loader); err != nil {
			return nil, err
		}
		applied.Loaded = append(applied.Loaded, path)
	}

	if d.WorkingDirectory != "" {
		info, err := os.Stat(d.WorkingDirectory)
		if err != nil || !info.IsDir() {
			return nil, &Error{Kind: WorkingDirectoryNotFound, Path: d.WorkingDirectory, Err: err}
		}
		if err := os.Chdir(d.WorkingDirectory); err != nil {
			return nil, &Error{Kind: WorkingDirectoryNotFound, Path: d.WorkingDirectory, Err: err}
		}
		applied.WorkingDirectory = d.WorkingDirectory
	}

	for k, v := range base {
		applied.Config[k] = v
	}
	for k, v := range d.ExternalConfig {
		applied.Config[k] = v
	}

	for k, v := range d.Environment {
		if err := os.Setenv(k, v); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", k, err)
		}
		applied.Environment[k] = v
	}

	return applied, nil
}

func load(path string, missing ErrorKind, loader Loader) error {
	info, err := os.Stat(path)
	if err != nil {
		return &Error{Kind: missing, Path: path, Err: err}
	}
	if info.IsDir() {
		return &Error{Kind: missing, Path: path, Err: errors.New("is a directory")}
	}
	if loader == nil {
		return nil
	}
	if err := loader.Load(path); err != nil {
		return &Error{Kind: LoadFailed, Path: path, Err: err}
	}
	return nil
}

// Normalize returns a copy with relative paths resolved against dir, so that
// applying it in a process with a different working directory, or applying
// it twice, has the same effect.
func (d Descriptor) Normalize(dir string) Descriptor {
	out := d.clone()
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	out.PreloadPath = abs(out.PreloadPath)
	for i, p := range out.RequireFiles {
		out.RequireFiles[i] = abs(p)
	}
	out.WorkingDirectory = abs(out.WorkingDirectory)
	return out
}

// Merge returns a copy of d overlaid with the non-empty fields of o.
// Require files are appended; config and environment entries of o win.
func (d Descriptor) Merge(o Descriptor) Descriptor {
	out := d.clone()
	if o.PreloadPath != "" {
		out.PreloadPath = o.PreloadPath
	}
	out.RequireFiles = append(out.RequireFiles, o.RequireFiles...)
	if o.WorkingDirectory != "" {
		out.WorkingDirectory = o.WorkingDirectory
	}
	for k, v := range o.ExternalConfig {
		if out.ExternalConfig == nil {
			out.ExternalConfig = make(map[string]any)
		}
		out.ExternalConfig[k] = v
	}
	for k, v := range o.Environment {
		if out.Environment == nil {
			out.Environment = make(map[string]string)
		}
		out.Environment[k] = v
	}
	if o.Separator != "" {
		out.Separator = o.Separator
	}
	return out
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.RequireFiles = append([]string(nil), d.RequireFiles...)
	if d.ExternalConfig != nil {
		out.ExternalConfig = make(map[string]any, len(d.ExternalConfig))
		for k, v := range d.ExternalConfig {
			out.ExternalConfig[k] = v
		}
	}
	if d.Environment != nil {
		out.Environment = make(map[string]string, len(d.Environment))
		for k, v := range d.Environment {
			out.Environment[k] = v
		}
	}
	return out
}

// Ambient exposes the parts of the current process a default Descriptor
// copies.
type Ambient interface {
	Getwd() (string, error)
	Environ() []string
	Preload() string
}

type osAmbient struct{}

func (osAmbient) Getwd() (string, error) { return os.Getwd() }
func (osAmbient) Environ() []string      { return os.Environ() }
func (osAmbient) Preload() string        { return os.Getenv(PreloadEnv) }

// Current returns a Descriptor approximating the current process.
func Current() (Descriptor, error) {
	return Default(osAmbient{})
}

// Default builds a Descriptor from amb: its working directory, its
// environment and its preload file, if any.
func Default(amb Ambient) (Descriptor, error) {
	wd, err := amb.Getwd()
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read working directory: %w", err)
	}

	env := make(map[string]string)
	for _, entry := range amb.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}

	return Descriptor{
		PreloadPath:      amb.Preload(),
		WorkingDirectory: wd,
		Environment:      env,
	}, nil
}

// Keys of the plain map form.
const (
	keyPreload    = "preload_path"
	keyRequire    = "require_files"
	keyWorkingDir = "working_directory"
	keyConfig     = "external_config"
	keyEnv        = "environment_variables"
	keySeparator  = "separator"
)

// ToMap renders the Descriptor as a plain map that travels inside a frame.
func (d Descriptor) ToMap() map[string]any {
	require := make([]any, len(d.RequireFiles))
	for i, p := range d.RequireFiles {
		require[i] = p
	}
	env := make(map[string]any, len(d.Environment))
	for k, v := range d.Environment {
		env[k] = v
	}
	config := make(map[string]any, len(d.ExternalConfig))
	for k, v := range d.ExternalConfig {
		config[k] = v
	}

	return map[string]any{
		keyPreload:    d.PreloadPath,
		keyRequire:    require,
		keyWorkingDir: d.WorkingDirectory,
		keyConfig:     config,
		keyEnv:        env,
		keySeparator:  d.Separator,
	}
}

// FromMap rebuilds a Descriptor from its map form. Missing keys are zero.
func FromMap(m map[string]any) (Descriptor, error) {
	var d Descriptor
	var err error

	if d.PreloadPath, err = stringField(m, keyPreload); err != nil {
		return Descriptor{}, err
	}
	if d.WorkingDirectory, err = stringField(m, keyWorkingDir); err != nil {
		return Descriptor{}, err
	}
	if d.Separator, err = stringField(m, keySeparator); err != nil {
		return Descriptor{}, err
	}

	if raw, ok := m[keyRequire]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return Descriptor{}, invalid(keyRequire, raw)
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return Descriptor{}, invalid(keyRequire, item)
			}
			d.RequireFiles = append(d.RequireFiles, s)
		}
	}

	if raw, ok := m[keyConfig]; ok && raw != nil {
		config, ok := raw.(map[string]any)
		if !ok {
			return Descriptor{}, invalid(keyConfig, raw)
		}
		if len(config) > 0 {
			d.ExternalConfig = config
		}
	}

	if raw, ok := m[keyEnv]; ok && raw != nil {
		env, ok := raw.(map[string]any)
		if !ok {
			return Descriptor{}, invalid(keyEnv, raw)
		}
		if len(env) > 0 {
			d.Environment = make(map[string]string, len(env))
		}
		for k, v := range env {
			d.Environment[k] = scalarString(v)
		}
	}

	return d, nil
}

func stringField(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", invalid(key, raw)
	}
	return s, nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func invalid(key string, v any) error {
	return &Error{Kind: InvalidDescriptor, Err: fmt.Errorf("field %s has unexpected type %T", key, v)}
}
