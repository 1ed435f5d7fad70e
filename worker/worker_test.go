package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/isolate/control"
	"github.com/pithecene-io/isolate/diagnostic"
	"github.com/pithecene-io/isolate/job"
)

// childEnv turns the test binary into a worker.
const childEnv = "ISOLATE_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		h := &Host{Registry: job.Builtins(), Config: map[string]any{"region": "base"}}
		os.Exit(h.Serve(context.Background(), os.Args[1:]))
	}
	os.Exit(m.Run())
}

func testLauncher() Launcher {
	return Launcher{Path: os.Args[0], Env: []string{childEnv + "=1"}}
}

func start(t *testing.T, l Launcher, spec Spec) *Running {
	t.Helper()
	r, err := spec.Start(context.Background(), l)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if r.IsRunning() {
			_, _ = r.Terminate(5 * time.Second)
		}
	})
	return r
}

func waitExit(t *testing.T, r *Running) *Exited {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(30 * time.Second):
		t.Fatalf("worker %s did not exit", r.ID())
	}
	e, err := FromRunning(r)
	if err != nil {
		t.Fatalf("FromRunning failed: %v", err)
	}
	return e
}

func run(t *testing.T, name string, args any, c control.Descriptor) *Exited {
	t.Helper()
	return waitExit(t, start(t, testLauncher(), NewSpec("", job.MustCall(name, args), c)))
}

func TestWorker_Success(t *testing.T) {
	e := run(t, job.Echo, map[string]any{"value": 42}, control.Descriptor{})

	if e.ExitCode() != 0 {
		t.Fatalf("ExitCode = %d, want 0; stderr %q", e.ExitCode(), e.Stderr())
	}
	var v int
	if err := e.ReturnValue().Decode(&v); err != nil || v != 42 {
		t.Errorf("ReturnValue = %d, %v; want 42", v, err)
	}
	if len(e.Stderr()) != 0 {
		t.Errorf("Stderr = %q, want empty", e.Stderr())
	}
	if e.PeakMemoryBytes() <= 0 {
		t.Errorf("PeakMemoryBytes = %d, want > 0", e.PeakMemoryBytes())
	}
	if e.Terminated() {
		t.Error("Terminated = true")
	}
}

func TestWorker_JobError(t *testing.T) {
	e := run(t, job.Fail, map[string]any{"message": "boom"}, control.Descriptor{})

	if e.ExitCode() != 1 {
		t.Errorf("ExitCode = %d, want 1", e.ExitCode())
	}
	out := e.ReturnValue()
	if !out.Failed() || out.Err.Message != "boom" || out.Err.Category != diagnostic.CategoryJob {
		t.Errorf("ReturnValue = %+v", out.Err)
	}
}

func TestWorker_Panic(t *testing.T) {
	e := run(t, job.Panic, map[string]any{"message": "kaboom"}, control.Descriptor{})

	if e.ExitCode() != 1 {
		t.Errorf("ExitCode = %d, want 1", e.ExitCode())
	}
	out := e.ReturnValue()
	if !out.Failed() || out.Err.Category != diagnostic.CategoryPanic || out.Err.Message != "kaboom" {
		t.Errorf("ReturnValue = %+v", out.Err)
	}
}

func TestWorker_UnknownJob(t *testing.T) {
	e := run(t, "nope", nil, control.Descriptor{})
	if e.ExitCode() != 1 || !strings.Contains(e.ReturnValue().Err.Message, "unknown job") {
		t.Errorf("exit %d, outcome %+v", e.ExitCode(), e.ReturnValue().Err)
	}
}

func TestWorker_CrashWithoutResponse(t *testing.T) {
	e := run(t, job.Exit, map[string]any{"code": 255, "stderr": "out of cheese\n"}, control.Descriptor{})

	if e.ExitCode() != 255 {
		t.Errorf("ExitCode = %d, want 255", e.ExitCode())
	}
	out := e.ReturnValue()
	if !out.Failed() {
		t.Fatal("expected a failed outcome")
	}
	if out.Err.Category != diagnostic.CategoryUnstructured || out.Err.Message != "out of cheese\n" {
		t.Errorf("ReturnValue = %+v", out.Err)
	}
	if string(e.Stderr()) != "out of cheese\n" {
		t.Errorf("Stderr = %q", e.Stderr())
	}
}

func TestWorker_SilentCrash(t *testing.T) {
	e := run(t, job.Exit, map[string]any{"code": 7}, control.Descriptor{})
	if e.ExitCode() != 7 || e.ReturnValue().Err.Category != diagnostic.CategoryNoOutput {
		t.Errorf("exit %d, outcome %+v", e.ExitCode(), e.ReturnValue().Err)
	}
}

func TestWorker_StreamsSeparated(t *testing.T) {
	e := run(t, job.Print, map[string]any{
		"stdout": "to stdout\n",
		"stderr": "to stderr\n",
		"value":  "ok",
	}, control.Descriptor{})

	if string(e.Stdout()) != "to stdout\n" {
		t.Errorf("Stdout = %q", e.Stdout())
	}
	if string(e.Stderr()) != "to stderr\n" {
		t.Errorf("Stderr = %q, want only job diagnostics", e.Stderr())
	}
	var v string
	if err := e.ReturnValue().Decode(&v); err != nil || v != "ok" {
		t.Errorf("ReturnValue = %q, %v", v, err)
	}
}

func TestWorker_MaxOutputBytes(t *testing.T) {
	l := testLauncher()
	l.MaxOutputBytes = 4096
	args := map[string]any{
		"stdout": strings.Repeat("o", 10000),
		"stderr": strings.Repeat("e", 9000) + "tail\n",
		"value":  "kept",
	}
	r := start(t, l, NewSpec("", job.MustCall(job.Print, args), control.Descriptor{}))
	e := waitExit(t, r)

	if got := string(e.Stdout()); got != strings.Repeat("o", 4096) {
		t.Errorf("Stdout len = %d, want the first 4096 bytes", len(got))
	}
	if r.Dropped(Stdout) != 10000-4096 {
		t.Errorf("Dropped(Stdout) = %d", r.Dropped(Stdout))
	}
	if !strings.HasSuffix(string(e.Stderr()), "tail\n") {
		t.Errorf("Stderr does not end with the job's last line: %q", tail(e.Stderr()))
	}
	if r.Dropped(Stderr) == 0 {
		t.Error("Dropped(Stderr) = 0, want the stderr head discarded")
	}
	var v string
	if err := e.ReturnValue().Decode(&v); err != nil || v != "kept" {
		t.Errorf("ReturnValue = %q, %v; want the response to survive the cap", v, err)
	}
}

func TestBuffer_KeepTail(t *testing.T) {
	b := &buffer{limit: 4, keepTail: true}
	b.Write([]byte("ab"))
	if got := string(b.drain()); got != "ab" {
		t.Fatalf("drain = %q, want ab", got)
	}
	b.Write([]byte("cdef"))
	if got := string(b.drain()); got != "cdef" {
		t.Errorf("drain = %q, want cdef", got)
	}
	if got := string(b.bytes()); got != "cdef" {
		t.Errorf("bytes = %q, want cdef", got)
	}
	if b.droppedBytes() != 2 {
		t.Errorf("dropped = %d, want 2", b.droppedBytes())
	}
}

func tail(b []byte) []byte {
	if len(b) > 32 {
		return b[len(b)-32:]
	}
	return b
}

func TestWorker_ControlApplied(t *testing.T) {
	dir := t.TempDir()
	c := control.Descriptor{
		WorkingDirectory: dir,
		Environment:      map[string]string{"ISOLATE_TEST_CHILD_VALUE": "from-control"},
		ExternalConfig:   map[string]any{"region": "eu"},
	}

	e := run(t, job.Env, map[string]any{"name": "ISOLATE_TEST_CHILD_VALUE"}, c)
	var v string
	if err := e.ReturnValue().Decode(&v); err != nil || v != "from-control" {
		t.Errorf("env = %q, %v", v, err)
	}

	e = run(t, job.Cwd, nil, c)
	if err := e.ReturnValue().Decode(&v); err != nil {
		t.Fatal(err)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if v != dir && v != resolved {
		t.Errorf("cwd = %q, want %q", v, dir)
	}

	e = run(t, job.Config, map[string]any{"key": "region"}, c)
	if err := e.ReturnValue().Decode(&v); err != nil || v != "eu" {
		t.Errorf("config = %q, %v", v, err)
	}
}

func TestWorker_ControlErrorStopsJob(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.go")
	e := run(t, job.Echo, map[string]any{"value": 1}, control.Descriptor{RequireFiles: []string{missing}})

	if e.ExitCode() != 1 {
		t.Errorf("ExitCode = %d, want 1", e.ExitCode())
	}
	out := e.ReturnValue()
	if !out.Failed() || out.Err.Category != diagnostic.CategoryEnvironment || out.Err.File != missing {
		t.Errorf("ReturnValue = %+v", out.Err)
	}
}

const scriptSource = `package main

import "strings"

func Greet(args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	return "hello " + strings.TrimSpace(name), nil
}
`

func TestWorker_ScriptJob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.go")
	if err := os.WriteFile(path, []byte(scriptSource), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	// Relative paths resolve against the parent's working directory.
	e := run(t, job.ScriptPrefix+"main.Greet", map[string]any{"name": " gopher "}, control.Descriptor{PreloadPath: "jobs.go"})
	var v string
	if err := e.ReturnValue().Decode(&v); err != nil || v != "hello gopher" {
		t.Errorf("script = %q, %v; stderr %q", v, err, e.Stderr())
	}
}

func TestWorker_PayloadFile(t *testing.T) {
	tmp := t.TempDir()
	l := testLauncher()
	l.PayloadFileThreshold = 1
	l.TempDir = tmp

	big := strings.Repeat("x", 4096)
	e := waitExit(t, start(t, l, NewSpec("big", job.MustCall(job.Echo, map[string]any{"value": big}), control.Descriptor{})))

	var v string
	if err := e.ReturnValue().Decode(&v); err != nil || v != big {
		t.Errorf("echo of %d bytes failed: %v", len(big), err)
	}
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("payload file not removed: %v", entries)
	}
}

func TestWorker_StillRunning(t *testing.T) {
	r := start(t, testLauncher(), NewSpec("slow", job.MustCall(job.Sleep, map[string]any{"duration": "30s"}), control.Descriptor{}))

	if !r.IsRunning() {
		t.Fatal("worker exited early")
	}
	if _, err := FromRunning(r); !isStillRunning(err, "slow") {
		t.Errorf("FromRunning error = %v, want StillRunningError", err)
	}
	if _, err := r.Return(); !isStillRunning(err, "slow") {
		t.Errorf("Return error = %v, want StillRunningError", err)
	}
	if r.ExitCode() != -1 {
		t.Errorf("ExitCode while running = %d, want -1", r.ExitCode())
	}
}

func isStillRunning(err error, id string) bool {
	var sre *StillRunningError
	return errors.As(err, &sre) && sre.ID == id
}

func TestWorker_ExitBeforeKillKeepsResponse(t *testing.T) {
	r := start(t, testLauncher(), NewSpec("quick", job.MustCall(job.Echo, map[string]any{"value": 7}), control.Descriptor{}))
	<-r.Done()

	// Terminate marked the worker just before the process finished by itself.
	r.terminated.Store(true)
	r.settle()

	e, err := FromRunning(r)
	if err != nil {
		t.Fatal(err)
	}
	if e.Terminated() {
		t.Error("worker that exited normally reported as terminated")
	}
	var v int
	if err := e.ReturnValue().Decode(&v); err != nil || v != 7 {
		t.Errorf("ReturnValue = %d, %v; want 7", v, err)
	}
}

func TestWorker_Terminate(t *testing.T) {
	r := start(t, testLauncher(), NewSpec("doomed", job.MustCall(job.Sleep, map[string]any{"duration": "30s"}), control.Descriptor{}))

	e, err := r.Terminate(10 * time.Second)
	if err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if !e.Terminated() {
		t.Error("Terminated = false")
	}
	if e.ExitCode() == 0 {
		t.Error("terminated worker reports exit code 0")
	}
	if got := e.ReturnValue(); !got.Failed() || got.Err.Category != diagnostic.CategoryTerminated {
		t.Errorf("ReturnValue = %+v", got.Err)
	}

	// Terminating an exited worker returns the same snapshot.
	again, err := r.Terminate(time.Second)
	if err != nil || again.ExitCode() != e.ExitCode() {
		t.Errorf("second Terminate = %v, %v", again, err)
	}
}

func TestWorker_ExtractionIsIdempotent(t *testing.T) {
	r := start(t, testLauncher(), NewSpec("", job.MustCall(job.Print, map[string]any{"stderr": "note\n", "value": 1}), control.Descriptor{}))
	<-r.Done()

	first := r.Stderr()
	out, err := r.Return()
	if err != nil {
		t.Fatal(err)
	}
	second := r.Stderr()
	if string(first) != "note\n" || string(second) != string(first) {
		t.Errorf("Stderr = %q then %q", first, second)
	}
	again, _ := r.Return()
	if string(again.Value) != string(out.Value) {
		t.Error("Return changed between calls")
	}
	if r.PeakMemoryBytes() != r.PeakMemoryBytes() {
		t.Error("PeakMemoryBytes changed between calls")
	}
}

func TestWorker_ReadStream(t *testing.T) {
	r := start(t, testLauncher(), NewSpec("", job.MustCall(job.Print, map[string]any{"stdout": "chunk"}), control.Descriptor{}))
	<-r.Done()

	if got := string(r.ReadStream(Stdout)); got != "chunk" {
		t.Errorf("ReadStream(Stdout) = %q, want chunk", got)
	}
	if got := r.ReadStream(Stdout); len(got) != 0 {
		t.Errorf("second ReadStream(Stdout) = %q, want nothing new", got)
	}
	if string(r.Stdout()) != "chunk" {
		t.Errorf("Stdout = %q, reading must not consume the buffer", r.Stdout())
	}
}

func TestStart_LaunchFailure(t *testing.T) {
	l := Launcher{Path: filepath.Join(t.TempDir(), "does-not-exist")}
	if _, err := NewSpec("x", job.MustCall(job.Echo, nil), control.Descriptor{}).Start(context.Background(), l); err == nil {
		t.Error("expected error for missing executable")
	}
	if _, err := NewSpec("x", job.MustCall(job.Echo, nil), control.Descriptor{}).Start(context.Background(), Launcher{}); err == nil {
		t.Error("expected error for empty launcher")
	}
}

func TestNewSpec(t *testing.T) {
	resources := []string{"db"}
	s := NewSpec("", job.Call{Name: "echo"}, control.Descriptor{}, resources...)
	if s.ID() == "" {
		t.Error("NewSpec did not assign an id")
	}
	resources[0] = "changed"
	if s.Resources()[0] != "db" {
		t.Error("Spec shares the caller's resource slice")
	}
}

func TestDeduplicateEnv(t *testing.T) {
	got := deduplicateEnv([]string{"A=1", "B=2", "A=3"})
	if strings.Join(got, ",") != "B=2,A=3" {
		t.Errorf("deduplicateEnv = %v", got)
	}
}
