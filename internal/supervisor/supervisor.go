// Package supervisor owns the lifecycle of a single engine process: launch,
// deadline enforcement, graceful-then-forced termination, and cleanup.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"jobexec/internal/engine"
	"jobexec/internal/job"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// OutcomeParser interprets a process that exited on its own.
type OutcomeParser interface {
	ParseOutcome(o engine.Outcome) engine.Fragment
}

// Config tunes a supervisor.
type Config struct {
	Grace        time.Duration // time between SIGTERM and SIGKILL (default: 5s)
	CaptureLimit int           // per-stream capture cap in bytes (default: 1MiB)

	// OnStart is called once the process is running.
	OnStart func(pid int)
	// OnLine is called for each line the process writes, from the I/O goroutines.
	OnLine func(stream, line string)
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	if c.CaptureLimit <= 0 {
		c.CaptureLimit = 1 << 20
	}
	return c
}

// Supervisor runs one descriptor's invocation to a terminal state.
type Supervisor struct {
	desc   *job.Descriptor
	spec   *engine.CommandSpec
	parser OutcomeParser
	cfg    Config
	handle *Handle
	logger *slog.Logger
}

// New creates a supervisor. Nothing is launched until Run.
func New(d *job.Descriptor, spec *engine.CommandSpec, parser OutcomeParser, cfg Config) *Supervisor {
	return &Supervisor{
		desc:   d,
		spec:   spec,
		parser: parser,
		cfg:    cfg.withDefaults(),
		handle: newHandle(d.ID()),
		logger: slog.With("component", "supervisor", "jobId", d.ID(), "kind", d.Kind()),
	}
}

// Handle returns the process handle for read-only inspection.
func (s *Supervisor) Handle() *Handle {
	return s.handle
}

// Run launches the process and blocks until it reaches a terminal state.
// Cancelling ctx terminates the process and yields StateKilled. Run never
// returns an error: launch and runtime failures are recorded in the Result.
func (s *Supervisor) Run(ctx context.Context) *job.Result {
	res := &job.Result{
		JobID: s.desc.ID(),
		Kind:  s.desc.Kind(),
		Meta:  s.desc.Meta(),
	}

	if ctx.Err() != nil {
		return s.finish(res, job.StateKilled, "cancelled before launch")
	}

	if err := s.prepare(); err != nil {
		s.cleanup(false)
		return s.finish(res, job.StateFailed, "launch failed: "+err.Error())
	}

	stdout := newCapture(s.cfg.CaptureLimit, s.lineFunc("stdout"))
	stderr := newCapture(s.cfg.CaptureLimit, s.lineFunc("stderr"))

	cmd := exec.Command(s.spec.Path, s.spec.Args...)
	cmd.Dir = s.spec.Dir
	cmd.Env = s.spec.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	if len(s.spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(s.spec.Stdin)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.cfg.Grace
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		s.cleanup(false)
		return s.finish(res, job.StateFailed, "launch failed: "+err.Error())
	}

	pid := cmd.Process.Pid
	res.StartedAt = time.Now()
	s.handle.setProcess(pid, res.StartedAt)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	if err := applyLimits(pid, s.spec.Limits); err != nil {
		s.logger.Error("Failed to apply resource limits", "pid", pid, "error", err)
		_ = signalGroup(pid, syscall.SIGKILL)
		<-waitCh
		s.cleanup(false)
		return s.finish(res, job.StateFailed, "launch failed: apply resource limits: "+err.Error())
	}

	if err := s.handle.transition(job.StateRunning); err != nil {
		s.logger.Error("Handle transition failed", "error", err)
	}
	s.logger.Debug("Process started", "pid", pid, "binary", s.spec.Path)
	if s.cfg.OnStart != nil {
		s.cfg.OnStart(pid)
	}

	deadline := time.NewTimer(time.Until(s.desc.Deadline()))
	defer deadline.Stop()

	var (
		waitErr error
		forced  job.State
	)
	select {
	case waitErr = <-waitCh:
	case <-deadline.C:
		forced = job.StateTimedOut
		waitErr = s.terminate(pid, waitCh)
	case <-ctx.Done():
		forced = job.StateKilled
		waitErr = s.terminate(pid, waitCh)
	}

	stdout.flush()
	stderr.flush()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.StdoutTruncated = stdout.Truncated()
	res.StderrTruncated = stderr.Truncated()
	if ps := cmd.ProcessState; ps != nil && ps.ExitCode() >= 0 {
		code := ps.ExitCode()
		res.ExitCode = &code
	}

	switch forced {
	case job.StateTimedOut:
		s.cleanup(false)
		return s.finish(res, job.StateTimedOut, fmt.Sprintf("deadline exceeded after %s", s.desc.Timeout()))
	case job.StateKilled:
		s.cleanup(false)
		return s.finish(res, job.StateKilled, "cancelled")
	}

	if res.ExitCode == nil {
		// Killed by a signal we did not send, e.g. an rlimit or the OOM killer.
		detail := "process terminated"
		if cmd.ProcessState != nil {
			detail = "process " + cmd.ProcessState.String()
		} else if waitErr != nil {
			detail = waitErr.Error()
		}
		s.cleanup(false)
		return s.finish(res, job.StateFailed, detail)
	}

	frag := s.parser.ParseOutcome(engine.Outcome{
		ExitCode:        *res.ExitCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		StdoutTruncated: res.StdoutTruncated,
		OutputPath:      s.spec.OutputPath,
	})
	if frag.State == job.StateSucceeded && errors.Is(waitErr, exec.ErrWaitDelay) {
		s.logger.Warn("Output pipes held open after exit", "pid", pid)
	}

	res.Artifact = frag.Artifact
	if frag.Artifact != "" {
		if info, err := os.Stat(frag.Artifact); err == nil {
			res.ArtifactSize = info.Size()
		}
	}
	s.cleanup(frag.State == job.StateSucceeded)
	return s.finish(res, frag.State, frag.ErrorDetail)
}

// terminate sends SIGTERM to the process group, waits up to the grace period,
// then sends SIGKILL and waits for the process to be reaped.
func (s *Supervisor) terminate(pid int, waitCh <-chan error) error {
	if err := signalGroup(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("SIGTERM failed", "pid", pid, "error", err)
	}

	grace := time.NewTimer(s.cfg.Grace)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-grace.C:
	}

	s.logger.Warn("Process ignored SIGTERM, killing", "pid", pid, "grace", s.cfg.Grace)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Error("SIGKILL failed", "pid", pid, "error", err)
	}
	return <-waitCh
}

// prepare creates the scratch and output directories and writes input files.
func (s *Supervisor) prepare() error {
	if s.spec.Dir != "" {
		if err := os.MkdirAll(s.spec.Dir, 0o700); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
	}
	for _, f := range s.spec.Files {
		mode := f.Mode
		if mode == 0 {
			mode = 0o600
		}
		if err := os.WriteFile(filepath.Join(s.spec.Dir, f.Name), f.Data, mode); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if s.spec.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.spec.OutputPath), 0o750); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	return nil
}

// cleanup removes the scratch directory, and the output directory unless the
// job succeeded.
func (s *Supervisor) cleanup(keepOutput bool) {
	if s.spec.Dir != "" {
		if err := os.RemoveAll(s.spec.Dir); err != nil {
			s.logger.Warn("Failed to remove scratch dir", "dir", s.spec.Dir, "error", err)
		}
	}
	if !keepOutput && s.spec.OutputPath != "" {
		if err := os.RemoveAll(filepath.Dir(s.spec.OutputPath)); err != nil {
			s.logger.Warn("Failed to remove output dir", "error", err)
		}
	}
}

// finish records the terminal state on the result and the handle.
func (s *Supervisor) finish(res *job.Result, state job.State, detail string) *job.Result {
	res.State = state
	res.ErrorDetail = detail
	res.FinishedAt = time.Now()
	if err := s.handle.transition(state); err != nil {
		s.logger.Error("Handle transition failed", "error", err)
	}
	return res
}

func (s *Supervisor) lineFunc(stream string) func(string) {
	if s.cfg.OnLine == nil {
		return nil
	}
	return func(line string) { s.cfg.OnLine(stream, line) }
}
