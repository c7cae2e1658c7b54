// Package engine translates job descriptors into concrete engine invocations
// and interprets the raw outcome of a finished process.
package engine

import (
	"context"
	"fmt"
	"jobexec/internal/apperrors"
	"jobexec/internal/job"
	"os"
	"os/exec"
	"strings"
)

// Limits are OS resource ceilings applied to the engine process. Zero means unlimited.
type Limits struct {
	MemoryBytes   uint64
	CPUSeconds    uint64
	FileSizeBytes uint64
}

// File is materialized into the job's scratch directory before launch.
type File struct {
	Name string
	Data []byte
	Mode os.FileMode
}

// CommandSpec is a fully resolved process invocation. The process runs with
// its working directory set to a per-job scratch directory, so relative
// names in Args and Files refer to that directory.
type CommandSpec struct {
	Path       string
	Args       []string
	Dir        string   // scratch directory, created before launch and removed after exit
	Env        []string // complete environment; the service environment is not inherited
	Stdin      []byte
	Files      []File
	OutputPath string // artifact the engine writes; empty when stdout is the artifact
	Limits     Limits
}

// Outcome is the raw observation of a process that ran to exit.
type Outcome struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool // Stdout holds only the first capture-limit bytes
	OutputPath      string
}

// Fragment is the adapter's interpretation of an Outcome.
type Fragment struct {
	State       job.State // StateSucceeded or StateFailed
	ErrorDetail string
	Artifact    string
}

// Adapter builds invocations for one job kind.
// Implementations hold only immutable configuration and are safe for concurrent use.
type Adapter interface {
	Kind() job.Kind

	// Binary returns the configured executable.
	Binary() string

	// VersionArgs returns the arguments that make Binary print its version.
	VersionArgs() []string

	// BuildInvocation validates the descriptor's parameters and returns the
	// invocation. Unsupported parameters produce a validation error.
	BuildInvocation(d *job.Descriptor) (*CommandSpec, error)

	// ParseOutcome classifies a process that exited on its own.
	ParseOutcome(o Outcome) Fragment
}

// defaultPath is the PATH handed to engine processes.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Set selects the adapter for a job kind.
type Set struct {
	adapters map[job.Kind]Adapter
}

// NewSet creates a set from the given adapters. A later adapter replaces an
// earlier one of the same kind.
func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[job.Kind]Adapter, len(adapters))}
	for _, a := range adapters {
		s.adapters[a.Kind()] = a
	}
	return s
}

// For returns the adapter for kind, or a validation error.
func (s *Set) For(kind job.Kind) (Adapter, error) {
	a, ok := s.adapters[kind]
	if !ok {
		return nil, apperrors.Validation("kind", fmt.Sprintf("no engine configured for kind %q", kind))
	}
	return a, nil
}

// Kinds returns the configured kinds in job.Kinds order.
func (s *Set) Kinds() []job.Kind {
	var kinds []job.Kind
	for _, k := range job.Kinds() {
		if _, ok := s.adapters[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Ready verifies every configured engine binary resolves on this host.
func (s *Set) Ready(ctx context.Context) error {
	for _, k := range s.Kinds() {
		if err := ctx.Err(); err != nil {
			return err
		}
		bin := s.adapters[k].Binary()
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s engine unavailable: %w", k, err)
		}
	}
	return nil
}

// tail returns at most the last n non-empty lines of s joined by newlines.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	out := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			out = append(out, l)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return strings.Join(out, "\n")
}

// exitDetail formats a non-zero exit with the tail of stderr.
func exitDetail(code int, stderr string) string {
	detail := fmt.Sprintf("exit status %d", code)
	if t := tail(stderr, 5); t != "" {
		detail += ": " + t
	}
	return detail
}
