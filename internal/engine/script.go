package engine

import (
	"fmt"
	"jobexec/internal/apperrors"
	"jobexec/internal/job"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// ScriptConfig configures the Deno adapter.
type ScriptConfig struct {
	Binary     string
	ScriptRoot string // root for path inputs; empty disables them
	WorkDir    string
	MemoryMB   int
	CPUSeconds int
	MaxFileMB  int
	DenoDir    string // shared module cache; defaults to a directory inside the scratch dir
}

// Grantable permissions. Everything else (run, ffi, sys, all) is refused.
const (
	PermRead  = "read"
	PermWrite = "write"
	PermNet   = "net"
	PermEnv   = "env"
)

var grantable = []string{PermRead, PermWrite, PermNet, PermEnv}

var scriptParams = []string{"permissions", "read_paths", "write_paths", "net_hosts", "env_vars", "args"}

const scriptFile = "main.ts"

// permissionDenied matches Deno's capability errors across 1.x and 2.x.
var permissionDenied = regexp.MustCompile(`(?m)^.*(NotCapable|PermissionDenied|Requires \w+ access).*$`)

// Script runs TypeScript/JavaScript under deno with a default-deny permission set.
type Script struct {
	cfg ScriptConfig
}

// NewScript creates a script adapter.
func NewScript(cfg ScriptConfig) *Script {
	if cfg.Binary == "" {
		cfg.Binary = "deno"
	}
	return &Script{cfg: cfg}
}

// Kind implements Adapter.
func (s *Script) Kind() job.Kind { return job.KindScript }

// Binary implements Adapter.
func (s *Script) Binary() string { return s.cfg.Binary }

// VersionArgs implements Adapter.
func (s *Script) VersionArgs() []string { return []string{"--version"} }

// Permissions is the resolved capability grant for one script.
type Permissions struct {
	Read  []string
	Write []string
	Net   []string
	Env   []string
}

// Flags renders the grant as deno flags. An empty grant renders no flags,
// which leaves deno in its deny-all default.
func (p Permissions) Flags() []string {
	var flags []string
	add := func(name string, values []string) {
		if len(values) > 0 {
			flags = append(flags, "--allow-"+name+"="+strings.Join(values, ","))
		}
	}
	add(PermRead, p.Read)
	add(PermWrite, p.Write)
	add(PermNet, p.Net)
	add(PermEnv, p.Env)
	return flags
}

// BuildInvocation implements Adapter.
func (s *Script) BuildInvocation(d *job.Descriptor) (*CommandSpec, error) {
	params := d.Params()
	for k := range params {
		if !slices.Contains(scriptParams, k) {
			return nil, apperrors.Validation("params."+k, fmt.Sprintf("unknown script parameter %q", k))
		}
	}

	dir := filepath.Join(s.cfg.WorkDir, d.ID())
	perms, err := resolvePermissions(params, dir)
	if err != nil {
		return nil, err
	}

	spec := &CommandSpec{
		Path: s.cfg.Binary,
		Dir:  dir,
		Limits: Limits{
			CPUSeconds:    uint64(max(s.cfg.CPUSeconds, 0)),
			FileSizeBytes: mb(s.cfg.MaxFileMB),
		},
	}

	denoDir := s.cfg.DenoDir
	if denoDir == "" {
		denoDir = filepath.Join(dir, ".deno")
	}
	spec.Env = []string{
		"PATH=" + defaultPath,
		"HOME=" + dir,
		"DENO_DIR=" + denoDir,
		"NO_COLOR=1",
		"DENO_NO_UPDATE_CHECK=1",
	}

	module := scriptFile
	in := d.Input()
	switch {
	case in.Path != "":
		path, err := resolveUnder(s.cfg.ScriptRoot, in.Path)
		if err != nil {
			return nil, apperrors.Validation("input.path", err.Error())
		}
		module = path
	case len(in.Inline) > 0:
		spec.Files = []File{{Name: scriptFile, Data: in.Inline, Mode: 0o600}}
	default:
		return nil, apperrors.Validation("input", "script jobs require inline source or a path")
	}

	args := []string{"run", "--no-prompt", "--no-config", "--quiet"}
	if len(perms.Net) == 0 {
		args = append(args, "--no-remote", "--no-npm")
	}
	// V8 reserves large virtual ranges up front, so the heap is capped here
	// rather than with an address-space rlimit.
	if s.cfg.MemoryMB > 0 {
		args = append(args, "--v8-flags=--max-old-space-size="+strconv.Itoa(s.cfg.MemoryMB))
	}
	args = append(args, perms.Flags()...)
	args = append(args, module)
	if v, ok := params["args"]; ok {
		args = append(args, splitList(v)...)
	}
	spec.Args = args

	return spec, nil
}

// ParseOutcome implements Adapter. Stdout is the script's artifact.
func (s *Script) ParseOutcome(o Outcome) Fragment {
	if o.ExitCode == 0 {
		// Stdout is the artifact, so a cut-off copy is not a result.
		if o.StdoutTruncated {
			return Fragment{State: job.StateFailed, ErrorDetail: "output exceeds capture limit"}
		}
		return Fragment{State: job.StateSucceeded}
	}
	if line := permissionDenied.FindString(o.Stderr); line != "" {
		return Fragment{State: job.StateFailed, ErrorDetail: "permission denied: " + strings.TrimSpace(line)}
	}
	return Fragment{State: job.StateFailed, ErrorDetail: exitDetail(o.ExitCode, o.Stderr)}
}

// resolvePermissions turns the permissions parameter and its scope lists into
// a grant. Read and write without explicit paths are scoped to the scratch dir.
func resolvePermissions(params map[string]string, scratch string) (Permissions, error) {
	var perms Permissions

	requested := splitList(params["permissions"])
	if len(requested) == 1 && requested[0] == "none" {
		requested = nil
	}
	for _, p := range requested {
		if !slices.Contains(grantable, p) {
			return perms, apperrors.Validation("params.permissions", fmt.Sprintf("permission %q cannot be granted (grantable: none, %s)", p, strings.Join(grantable, ", ")))
		}
	}

	scoped := map[string]string{
		"read_paths":  PermRead,
		"write_paths": PermWrite,
		"net_hosts":   PermNet,
		"env_vars":    PermEnv,
	}
	for key, perm := range scoped {
		if _, ok := params[key]; ok && !slices.Contains(requested, perm) {
			return perms, apperrors.Validation("params."+key, fmt.Sprintf("%s requires the %s permission", key, perm))
		}
	}

	if slices.Contains(requested, PermRead) {
		perms.Read = scopeOrDefault(params["read_paths"], scratch)
	}
	if slices.Contains(requested, PermWrite) {
		perms.Write = scopeOrDefault(params["write_paths"], scratch)
	}
	if slices.Contains(requested, PermNet) {
		perms.Net = splitList(params["net_hosts"])
		if len(perms.Net) == 0 {
			return perms, apperrors.Validation("params.net_hosts", "net permission requires net_hosts")
		}
	}
	if slices.Contains(requested, PermEnv) {
		perms.Env = splitList(params["env_vars"])
		if len(perms.Env) == 0 {
			return perms, apperrors.Validation("params.env_vars", "env permission requires env_vars")
		}
	}

	for _, p := range append(slices.Clone(perms.Read), perms.Write...) {
		if p != scratch && !filepath.IsAbs(p) {
			return perms, apperrors.Validation("params.read_paths", fmt.Sprintf("path %q must be absolute", p))
		}
	}
	return perms, nil
}

func scopeOrDefault(list, fallback string) []string {
	if values := splitList(list); len(values) > 0 {
		return values
	}
	return []string{fallback}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
