package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// OwnerMarker is the file that marks a directory as owned by the service.
const OwnerMarker = ".jobexec"

// ResetDir empties a service-owned scratch or output directory, creating it
// if needed. A directory is cleared only when it is empty or carries
// OwnerMarker; anything else is refused so a misconfigured path cannot wipe
// unrelated data. The filesystem root is always refused.
func ResetDir(dir string) error {
	if dir == "" {
		return errors.New("directory is not set")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	if filepath.Dir(abs) == abs {
		return fmt.Errorf("refusing to clear filesystem root %s", abs)
	}

	entries, err := os.ReadDir(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(abs, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", abs, err)
		}
	case err != nil:
		return fmt.Errorf("read %s: %w", abs, err)
	default:
		owned := false
		for _, e := range entries {
			if e.Name() == OwnerMarker && e.Type().IsRegular() {
				owned = true
				break
			}
		}
		if len(entries) > 0 && !owned {
			return fmt.Errorf("refusing to clear %s: not empty and has no %s marker", abs, OwnerMarker)
		}
		for _, e := range entries {
			if e.Name() == OwnerMarker {
				continue
			}
			if err := os.RemoveAll(filepath.Join(abs, e.Name())); err != nil {
				return fmt.Errorf("clean %s: %w", abs, err)
			}
		}
	}

	if err := os.WriteFile(filepath.Join(abs, OwnerMarker), nil, 0o640); err != nil {
		return fmt.Errorf("mark %s: %w", abs, err)
	}
	return nil
}

// resolveUnder joins a client-supplied relative path onto root, rejecting
// absolute paths and traversal.
func resolveUnder(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("path inputs are disabled")
	}
	if err := validatePath(rel); err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.Clean(rel)), nil
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}

	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, not absolute")
	}

	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("path traversal not allowed")
	}

	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}

	return nil
}
