package dispatcher

import (
	"context"
	"fmt"
	"jobexec/internal/apperrors"
	"jobexec/internal/job"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Output returns the artifact of a succeeded job. File artifacts are served
// from disk; engines without one yield their captured stdout.
func (d *Dispatcher) Output(_ context.Context, jobID string) (*job.Output, error) {
	e, err := d.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if e.Pending() {
		return nil, apperrors.Conflict("job", jobID, "job is still pending")
	}
	res := e.Result
	if res.State != job.StateSucceeded {
		return nil, apperrors.Conflict("job", jobID, fmt.Sprintf("job finished as %s and has no output", res.State))
	}

	if res.Artifact == "" {
		data := []byte(res.Stdout)
		mt := mimetype.Detect(data)
		return &job.Output{
			Name:        jobID + mt.Extension(),
			ContentType: mt.String(),
			Data:        data,
			ModTime:     res.FinishedAt,
		}, nil
	}

	info, err := os.Stat(res.Artifact)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("output", jobID)
		}
		return nil, apperrors.Internal("stat output", err)
	}
	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(res.Artifact); err == nil {
		contentType = mt.String()
	}
	return &job.Output{
		Name:        jobID + filepath.Ext(res.Artifact),
		ContentType: contentType,
		Path:        res.Artifact,
		ModTime:     info.ModTime(),
	}, nil
}
