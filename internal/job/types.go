package job

import (
	"time"
)

// Kind selects the engine a job runs on.
type Kind string

// Supported job kinds
const (
	KindTranscode Kind = "transcode"
	KindScript    Kind = "script"
)

// Kinds returns every supported job kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindTranscode, KindScript}
}

// Valid reports whether k names a supported engine.
func (k Kind) Valid() bool {
	return k == KindTranscode || k == KindScript
}

// State is the lifecycle state of a job as seen by clients and supervisors.
type State string

// State constants. Pending is only reported by Poll; the rest are process states.
const (
	StatePending   State = "pending"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateKilled    State = "killed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateKilled:
		return true
	}
	return false
}

// Request represents a request to submit a new job
type Request struct {
	ID             string            `json:"id,omitempty" validate:"omitempty,max=128,jobid"`
	Kind           Kind              `json:"kind" validate:"required,oneof=transcode script"`
	Input          InputRequest      `json:"input"`
	Params         map[string]any    `json:"params,omitempty" validate:"max=32,dive,keys,min=1,max=64,endkeys"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" validate:"gte=0"`
	Meta           map[string]string `json:"meta,omitempty" validate:"max=32,dive,keys,max=64,endkeys,max=256"`
	Callback       *Callback         `json:"callback,omitempty"`
	Reuse          bool              `json:"reuse,omitempty"` // answer from a retained identical job when one succeeded
}

// InputRequest names the job input. Exactly one field must be set.
type InputRequest struct {
	Path         string `json:"path,omitempty" validate:"omitempty,max=1024"`
	URL          string `json:"url,omitempty" validate:"omitempty,http_url"`
	Inline       string `json:"inline,omitempty"`
	InlineBase64 string `json:"inlineBase64,omitempty" validate:"omitempty,base64"`
}

// Callback represents callback configuration for a job
type Callback struct {
	URL    string   `json:"url" validate:"required,http_url"`
	Events []string `json:"events,omitempty" validate:"max=16,dive,oneof=jobexec.job.start jobexec.job.log jobexec.job.exit"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Response represents the response when a job is accepted
type Response struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Status State  `json:"status"` // "pending", or "succeeded" when a retained job was reused
}

// Result is the terminal outcome of a job. It is written exactly once and
// never modified afterwards.
type Result struct {
	JobID           string            `json:"id"`
	Kind            Kind              `json:"kind"`
	State           State             `json:"state"`
	ExitCode        *int              `json:"exitCode,omitempty"`
	Stdout          string            `json:"stdout,omitempty"`
	Stderr          string            `json:"stderr,omitempty"`
	StdoutTruncated bool              `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool              `json:"stderrTruncated,omitempty"`
	ErrorDetail     string            `json:"error,omitempty"`
	Artifact        string            `json:"-"` // output file on disk, served by the output endpoint
	ArtifactSize    int64             `json:"artifactSize,omitempty"`
	Fingerprint     string            `json:"-"` // request fingerprint, set when the job may be reused
	Meta            map[string]string `json:"meta,omitempty"`
	StartedAt       time.Time         `json:"startedAt,omitzero"`
	FinishedAt      time.Time         `json:"finishedAt"`
}

// Duration returns the wall time the process ran, or zero if it never started.
func (r *Result) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status is the poll view of a job: pending with a phase, or the stored result.
type Status struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	State       State     `json:"status"`
	Phase       State     `json:"phase,omitempty"` // starting or running while pending
	SubmittedAt time.Time `json:"submittedAt"`
	Result      *Result   `json:"result,omitempty"`
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Status `json:"jobs"`
}

// Output is the artifact of a succeeded job: a file on disk, or the captured
// stdout for engines that write their result there.
type Output struct {
	Name        string
	ContentType string
	Path        string // empty when Data holds the output
	Data        []byte
	ModTime     time.Time
}
