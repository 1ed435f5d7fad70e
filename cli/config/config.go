package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pithecene-io/isolate/control"
	"github.com/pithecene-io/isolate/job"
	"github.com/pithecene-io/isolate/worker"
)

// Config represents a batch file. Values act as defaults for isolate run
// flags; CLI flags always override them.
type Config struct {
	Concurrency          int                `yaml:"concurrency"`
	Timeout              Duration           `yaml:"timeout"`
	BatchTimeout         Duration           `yaml:"batch_timeout"`
	PollInterval         Duration           `yaml:"poll_interval"`
	KillWait             Duration           `yaml:"kill_wait"`
	PayloadFileThreshold int                `yaml:"payload_file_threshold"`
	MaxOutputBytes       int                `yaml:"max_output_bytes"`
	LogLevel             string             `yaml:"log_level"`
	Worker               WorkerConfig       `yaml:"worker"`
	Control              control.Descriptor `yaml:"control"`
	Jobs                 []JobConfig        `yaml:"jobs"`

	// Dir is the directory of the loaded file; relative paths resolve
	// against it.
	Dir string `yaml:"-"`
}

// WorkerConfig selects the worker executable. An empty executable means the
// isolate binary itself.
type WorkerConfig struct {
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
	Env        []string `yaml:"env"`
}

// JobConfig is one job of the batch.
type JobConfig struct {
	ID        string             `yaml:"id"`
	Func      string             `yaml:"func"`
	Args      map[string]any     `yaml:"args"`
	Resources []string           `yaml:"resources"`
	Control   control.Descriptor `yaml:"control"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Validate checks the batch for errors that would otherwise surface only
// once workers run.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Jobs) == 0 {
		errs = append(errs, errors.New("no jobs defined"))
	}
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency))
	}
	if c.Timeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if c.BatchTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("batch_timeout must not be negative, got %s", c.BatchTimeout))
	}
	if c.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("max_output_bytes must not be negative, got %d", c.MaxOutputBytes))
	}

	seen := make(map[string]int, len(c.Jobs))
	for i, j := range c.Jobs {
		if j.Func == "" {
			errs = append(errs, fmt.Errorf("jobs[%d]: func is required", i))
		}
		if j.ID == "" {
			continue
		}
		if prev, ok := seen[j.ID]; ok {
			errs = append(errs, fmt.Errorf("jobs[%d]: id %q already used by jobs[%d]", i, j.ID, prev))
		}
		seen[j.ID] = i
	}
	return errors.Join(errs...)
}

// Specs builds worker specs from the jobs. Controls layer as: the current
// process (working directory, environment, ISOLATE_PRELOAD), then the batch
// control, then the job's own. Relative paths resolve against the file's
// directory.
func (c *Config) Specs() ([]worker.Spec, error) {
	ambient, err := control.Current()
	if err != nil {
		return nil, err
	}
	base := ambient.Merge(c.Control.Normalize(c.dir()))
	specs := make([]worker.Spec, 0, len(c.Jobs))
	for i, j := range c.Jobs {
		call, err := job.NewCall(j.Func, j.Args)
		if err != nil {
			return nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		id := j.ID
		if id == "" {
			id = fmt.Sprintf("job-%d", i+1)
		}
		desc := base.Merge(j.Control.Normalize(c.dir()))
		specs = append(specs, worker.NewSpec(id, call, desc, j.Resources...))
	}
	return specs, nil
}

// Launcher returns the worker launcher the batch describes, falling back to
// def when no executable is configured.
func (c *Config) Launcher(def worker.Launcher) worker.Launcher {
	l := def
	if c.Worker.Executable != "" {
		path := c.Worker.Executable
		if !filepath.IsAbs(path) && filepath.Base(path) != path {
			path = filepath.Join(c.dir(), path)
		}
		l.Path = path
		l.Args = append([]string(nil), c.Worker.Args...)
	}
	l.Env = append(append([]string(nil), l.Env...), c.Worker.Env...)
	if c.PayloadFileThreshold > 0 {
		l.PayloadFileThreshold = c.PayloadFileThreshold
	}
	if c.MaxOutputBytes > 0 {
		l.MaxOutputBytes = c.MaxOutputBytes
	}
	return l
}

func (c *Config) dir() string {
	if c.Dir == "" {
		return "."
	}
	return c.Dir
}
