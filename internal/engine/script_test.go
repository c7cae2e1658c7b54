package engine

import (
	"errors"
	"jobexec/internal/apperrors"
	"jobexec/internal/job"
	"slices"
	"strings"
	"testing"
)

func newTestScript() *Script {
	return NewScript(ScriptConfig{
		Binary:     "deno",
		ScriptRoot: "/scripts",
		WorkDir:    "/work",
		MemoryMB:   128,
		CPUSeconds: 30,
	})
}

func TestScript_DefaultDeny(t *testing.T) {
	t.Parallel()
	s := newTestScript()

	for _, params := range []map[string]string{nil, {"permissions": "none"}} {
		spec, err := s.BuildInvocation(descriptor(t, job.KindScript, job.Input{Inline: []byte("console.log(1)")}, params))
		if err != nil {
			t.Fatalf("BuildInvocation(%v): %v", params, err)
		}
		for _, arg := range spec.Args {
			if strings.HasPrefix(arg, "--allow-") || arg == "-A" {
				t.Errorf("params %v granted %q", params, arg)
			}
		}
		for _, flag := range []string{"--no-remote", "--no-npm", "--no-prompt"} {
			if !slices.Contains(spec.Args, flag) {
				t.Errorf("args %v missing %s", spec.Args, flag)
			}
		}
		if spec.Args[len(spec.Args)-1] != scriptFile {
			t.Errorf("module arg = %q", spec.Args[len(spec.Args)-1])
		}
		if len(spec.Files) != 1 || spec.Files[0].Name != scriptFile {
			t.Errorf("Files = %+v", spec.Files)
		}
		if spec.Limits.MemoryBytes != 0 {
			t.Error("scripts must not carry an address-space limit")
		}
		if spec.Limits.CPUSeconds != 30 {
			t.Errorf("CPUSeconds = %d", spec.Limits.CPUSeconds)
		}
		for _, env := range spec.Env {
			if strings.HasPrefix(env, "AWS_") {
				t.Errorf("service environment leaked: %s", env)
			}
		}
	}
}

func TestScript_Permissions(t *testing.T) {
	t.Parallel()
	s := newTestScript()

	tests := []struct {
		name   string
		params map[string]string
		want   []string
		noWant []string
	}{
		{
			name:   "read scoped to scratch",
			params: map[string]string{"permissions": "read"},
			want:   []string{"--allow-read=/work/job-1", "--no-remote"},
		},
		{
			name:   "explicit paths and hosts",
			params: map[string]string{"permissions": "read, net", "read_paths": "/data,/srv/in", "net_hosts": "api.example.com:443"},
			want:   []string{"--allow-read=/data,/srv/in", "--allow-net=api.example.com:443"},
			noWant: []string{"--no-remote", "--no-npm"},
		},
		{
			name:   "env vars",
			params: map[string]string{"permissions": "env", "env_vars": "TZ"},
			want:   []string{"--allow-env=TZ"},
		},
		{
			name:   "write defaults to scratch",
			params: map[string]string{"permissions": "write"},
			want:   []string{"--allow-write=/work/job-1"},
		},
		{
			name:   "script args",
			params: map[string]string{"args": "a,b"},
			want:   []string{scriptFile, "a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec, err := s.BuildInvocation(descriptor(t, job.KindScript, job.Input{Inline: []byte("1")}, tt.params))
			if err != nil {
				t.Fatalf("BuildInvocation: %v", err)
			}
			for _, w := range tt.want {
				if !slices.Contains(spec.Args, w) {
					t.Errorf("args %v missing %q", spec.Args, w)
				}
			}
			for _, w := range tt.noWant {
				if slices.Contains(spec.Args, w) {
					t.Errorf("args %v unexpectedly contain %q", spec.Args, w)
				}
			}
		})
	}
}

func TestScript_Rejects(t *testing.T) {
	t.Parallel()
	s := newTestScript()

	tests := []struct {
		name   string
		in     job.Input
		params map[string]string
		field  string
	}{
		{"run permission", job.Input{Inline: []byte("1")}, map[string]string{"permissions": "run"}, "params.permissions"},
		{"all permission", job.Input{Inline: []byte("1")}, map[string]string{"permissions": "all"}, "params.permissions"},
		{"none mixed with grant", job.Input{Inline: []byte("1")}, map[string]string{"permissions": "none,read"}, "params.permissions"},
		{"scope without grant", job.Input{Inline: []byte("1")}, map[string]string{"read_paths": "/etc"}, "params.read_paths"},
		{"net without hosts", job.Input{Inline: []byte("1")}, map[string]string{"permissions": "net"}, "params.net_hosts"},
		{"env without vars", job.Input{Inline: []byte("1")}, map[string]string{"permissions": "env"}, "params.env_vars"},
		{"relative read path", job.Input{Inline: []byte("1")}, map[string]string{"permissions": "read", "read_paths": "data"}, "params.read_paths"},
		{"unknown param", job.Input{Inline: []byte("1")}, map[string]string{"unstable": "true"}, "params.unstable"},
		{"path traversal", job.Input{Path: "../etc/x.ts"}, nil, "input.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.BuildInvocation(descriptor(t, job.KindScript, tt.in, tt.params))
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var appErr *apperrors.Error
			if errors.As(err, &appErr) && appErr.Field != tt.field {
				t.Errorf("field = %q, want %q (%v)", appErr.Field, tt.field, err)
			}
		})
	}
}

func TestScript_PathInput(t *testing.T) {
	t.Parallel()
	spec, err := newTestScript().BuildInvocation(descriptor(t, job.KindScript, job.Input{Path: "etl/main.ts"}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if spec.Args[len(spec.Args)-1] != "/scripts/etl/main.ts" {
		t.Errorf("module arg = %q", spec.Args[len(spec.Args)-1])
	}
	if len(spec.Files) != 0 {
		t.Errorf("path inputs should not materialize files: %+v", spec.Files)
	}
}

func TestScript_ParseOutcome(t *testing.T) {
	t.Parallel()
	s := newTestScript()

	tests := []struct {
		name       string
		outcome    Outcome
		wantState  job.State
		wantPrefix string
	}{
		{"success", Outcome{ExitCode: 0, Stdout: "42\n"}, job.StateSucceeded, ""},
		{
			"deno 2 not capable",
			Outcome{ExitCode: 1, Stderr: "error: Uncaught (in promise) NotCapable: Requires read access to \"/etc/passwd\", run again with the --allow-read flag\n    at main.ts:1:12\n"},
			job.StateFailed, "permission denied: error: Uncaught (in promise) NotCapable: Requires read access",
		},
		{
			"deno 1 permission denied",
			Outcome{ExitCode: 1, Stderr: "error: Uncaught PermissionDenied: Requires net access to \"example.com\"\n"},
			job.StateFailed, "permission denied:",
		},
		{
			"truncated stdout",
			Outcome{ExitCode: 0, Stdout: "ABCDEFGH", StdoutTruncated: true},
			job.StateFailed, "output exceeds capture limit",
		},
		{"stderr noise on success", Outcome{ExitCode: 0, Stdout: "ok\n", Stderr: "warn"}, job.StateSucceeded, ""},
		{"plain failure", Outcome{ExitCode: 2, Stderr: "error: Uncaught Error: boom\n"}, job.StateFailed, "exit status 2: error: Uncaught Error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			frag := s.ParseOutcome(tt.outcome)
			if frag.State != tt.wantState {
				t.Errorf("State = %s, want %s", frag.State, tt.wantState)
			}
			if !strings.HasPrefix(frag.ErrorDetail, tt.wantPrefix) {
				t.Errorf("ErrorDetail = %q, want prefix %q", frag.ErrorDetail, tt.wantPrefix)
			}
		})
	}
}
