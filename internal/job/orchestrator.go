// Package job defines job descriptors, results, and the Orchestrator interface.
package job

import "context"

// Orchestrator schedules descriptors onto engines and tracks their results.
//
// Submit never blocks on capacity: when no slot is free for the descriptor's
// kind it fails immediately with an overloaded error. Execution failures
// (launch errors, non-zero exits, timeouts, kills) are never returned from
// Submit; they surface as the terminal state of the job's Result.
type Orchestrator interface {
	// Submit admits a descriptor and starts it asynchronously, returning the
	// ID of the job that answers it. That is the descriptor's own ID unless
	// the descriptor allows reuse and a retained job with the same
	// fingerprint succeeded, in which case nothing is started.
	// Returns a validation error if the engine rejects the descriptor, a
	// conflict if the ID is in use, or an overloaded error if no slot is free.
	Submit(ctx context.Context, d *Descriptor) (string, error)

	// Poll returns the job's status: pending, or the stored terminal result.
	// Returns a not found error for unknown or expired jobs.
	Poll(ctx context.Context, jobID string) (*Status, error)

	// Cancel requests termination of a pending job.
	// Returns false if the job is unknown or already terminal.
	Cancel(ctx context.Context, jobID string) bool

	// Ack removes a terminal result and its artifact.
	Ack(ctx context.Context, jobID string) error

	// Output returns the artifact of a succeeded job. Pending and
	// unsuccessful jobs yield a conflict error.
	Output(ctx context.Context, jobID string) (*Output, error)

	// List returns the status of all retained jobs.
	List(ctx context.Context) ([]Status, error)

	// Ready checks that every engine binary is available.
	Ready(ctx context.Context) error

	// Close terminates running jobs and stops background work.
	Close() error
}
