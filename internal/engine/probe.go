package engine

import (
	"context"
	"jobexec/internal/job"
	"os/exec"
	"strings"
	"time"
)

// Versions runs each engine's version command and returns the first output
// line per kind. Engines that fail to report are omitted and returned in errs.
func (s *Set) Versions(ctx context.Context) (versions map[job.Kind]string, errs map[job.Kind]error) {
	versions = make(map[job.Kind]string)
	errs = make(map[job.Kind]error)

	for _, k := range s.Kinds() {
		a := s.adapters[k]
		v, err := probe(ctx, a.Binary(), a.VersionArgs())
		if err != nil {
			errs[k] = err
			continue
		}
		versions[k] = v
	}
	return versions, errs
}

func probe(ctx context.Context, bin string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, args...).Output()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}
